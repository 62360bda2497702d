package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/fruitsalade/hub/internal/memhub"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/bridge"
	"github.com/fruitsalade/fruitsalade/hub/pkg/client"
	"github.com/fruitsalade/fruitsalade/hub/pkg/codec"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
)

var (
	createType   string
	createAfter  string
	transferPrev string
	treeDepth    int
	rawOutput    bool
	outputPath   string
	watchPoll    bool

	tokenSubject string
	tokenTTL     time.Duration
	tokenSave    bool
)

var (
	getCmd = &cobra.Command{
		Use:   "get <addr>",
		Short: "Fetch a node and print it",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			n, err := fetch(ctx, s.bridge, args[0])
			if err != nil {
				return err
			}
			if rawOutput || n.IsContainer() {
				fmt.Println(codec.Format(n))
				return nil
			}
			fmt.Println(n.Value())
			return nil
		}),
	}

	lsCmd = &cobra.Command{
		Use:   "ls [addr]",
		Short: "List the children of a node",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			addr := s.cfg.Root
			if len(args) == 1 {
				addr = args[0]
			}
			n, err := fetch(ctx, s.bridge, addr)
			if err != nil {
				return err
			}
			printListing(os.Stdout, n, s.colors)
			return nil
		}),
	}

	treeCmd = &cobra.Command{
		Use:   "tree [addr]",
		Short: "Fetch directories recursively and print them as a tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			addr := s.cfg.Root
			if len(args) == 1 {
				addr = args[0]
			}
			if err := fetchTree(ctx, s.bridge, addr, treeDepth); err != nil {
				return err
			}
			n, err := s.bridge.Get(addr)
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("%s does not exist", addr)
			}
			printTree(os.Stdout, n, treeDepth, s.colors)
			return nil
		}),
	}

	createCmd = &cobra.Command{
		Use:   "create <parent> <name>",
		Short: "Create a node under parent",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			if err := prime(ctx, s.bridge, args[0]); err != nil {
				return err
			}
			var opts []bridge.CallOption
			if createAfter != "" {
				opts = append(opts, bridge.After(createAfter))
			}
			call, err := s.bridge.Create(ctx, args[0], args[1], createType, opts...)
			return report(ctx, s, call, err)
		}),
	}

	setCmd = &cobra.Command{
		Use:   "set <addr> <value>",
		Short: "Set the value of a scalar",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			if err := prime(ctx, s.bridge, args[0]); err != nil {
				return err
			}
			call, err := s.bridge.Update(ctx, args[0], args[1])
			return report(ctx, s, call, err)
		}),
	}

	storeCmd = &cobra.Command{
		Use:   "store <addr> <text>",
		Short: "Replace a node with an encoded value",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			value, err := codec.Parse(args[1])
			if err != nil {
				return err
			}
			if err := prime(ctx, s.bridge, args[0]); err != nil {
				return err
			}
			call, err := s.bridge.Store(ctx, args[0], value)
			return report(ctx, s, call, err)
		}),
	}

	insertCmd = &cobra.Command{
		Use:   "insert <addr> <index> <value>",
		Short: "Insert a scalar into a list; a negative index appends",
		Args:  cobra.ExactArgs(3),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			if err := prime(ctx, s.bridge, args[0]); err != nil {
				return err
			}
			call, err := s.bridge.Insert(ctx, args[0], index, node.NewScalar("", args[2]))
			return report(ctx, s, call, err)
		}),
	}

	rmCmd = &cobra.Command{
		Use:     "rm <addr>",
		Aliases: []string{"remove"},
		Short:   "Remove a node",
		Args:    cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			call, err := s.bridge.Remove(ctx, args[0])
			return report(ctx, s, call, err)
		}),
	}

	renameCmd = &cobra.Command{
		Use:   "rename <addr> <name>",
		Short: "Rename a node in place",
		Args:  cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			if err := prime(ctx, s.bridge, args[0]); err != nil {
				return err
			}
			call, err := s.bridge.Rename(ctx, args[0], args[1])
			return report(ctx, s, call, err)
		}),
	}

	mvCmd = &cobra.Command{
		Use:     "mv <src> <dest>",
		Aliases: []string{"move"},
		Short:   "Move a node",
		Args:    cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			call, err := s.bridge.Move(ctx, args[0], args[1], transferOpts()...)
			return report(ctx, s, call, err)
		}),
	}

	cpCmd = &cobra.Command{
		Use:     "cp <src> <dest>",
		Aliases: []string{"copy"},
		Short:   "Copy a node",
		Args:    cobra.ExactArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			call, err := s.bridge.Copy(ctx, args[0], args[1], transferOpts()...)
			return report(ctx, s, call, err)
		}),
	}

	reorderCmd = &cobra.Command{
		Use:   "reorder <addr> <key>...",
		Short: "Set the child order of a container",
		Args:  cobra.MinimumNArgs(2),
		RunE: run(func(ctx context.Context, s *session, args []string) error {
			if err := prime(ctx, s.bridge, args[0]); err != nil {
				return err
			}
			call, err := s.bridge.Reorder(ctx, args[0], args[1:])
			return report(ctx, s, call, err)
		}),
	}

	downloadCmd = &cobra.Command{
		Use:   "download <addr>",
		Short: "Download file content into the cache",
		Long: `Download file content into the local cache and print its path.
With -o the content is also copied to a file, or to stdout for "-".`,
		Args: cobra.ExactArgs(1),
		RunE: run(runDownload),
	}

	watchCmd = &cobra.Command{
		Use:   "watch [addr]",
		Short: "Follow changes below an address until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run(runWatch),
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the server's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			tok, err := memhub.NewAuth(cfg.JWTSecret).IssueToken(tokenSubject, tokenTTL)
			if err != nil {
				return err
			}
			if !tokenSave {
				fmt.Println(tok)
				return nil
			}
			path := cfg.TokenFile
			if path == "" {
				path = client.TokenFilePath()
			}
			if err := client.SaveToken(path, &client.TokenFile{Token: tok, Server: cfg.ServerURL}); err != nil {
				return err
			}
			fmt.Printf("token for %s saved to %s\n", tokenSubject, path)
			return nil
		},
	}

	cacheCmd = &cobra.Command{
		Use:       "cache <stats|ls|clear>",
		Short:     "Inspect or clear the content cache",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"stats", "ls", "clear"},
		RunE:      run(runCache),
	}
)

func init() {
	createCmd.Flags().StringVarP(&createType, "type", "t", node.TypeDirectory, "type of the new node")
	createCmd.Flags().StringVar(&createAfter, "after", "", "key of the sibling to place the node after")
	for _, c := range []*cobra.Command{mvCmd, cpCmd} {
		c.Flags().StringVar(&transferPrev, "after", "", "key of the sibling to place the node after")
	}
	treeCmd.Flags().IntVarP(&treeDepth, "depth", "d", 3, "levels of directories to fetch")
	getCmd.Flags().BoolVar(&rawOutput, "raw", false, "print scalars encoded instead of their value")
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "copy the content to this file (- for stdout)")
	watchCmd.Flags().BoolVar(&watchPoll, "poll", false, "poll with auto-refresh instead of the change feed")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "hubctl", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenSave, "save", false, "save to the token file instead of printing")
}

func transferOpts() []bridge.CallOption {
	if transferPrev == "" {
		return nil
	}
	return []bridge.CallOption{bridge.After(transferPrev)}
}

// await waits for call and returns its error.
func await(ctx context.Context, call *bridge.Call, err error) error {
	if err != nil {
		return err
	}
	if err := call.Wait(ctx); err != nil {
		return err
	}
	return call.Err()
}

// fetch fetches addr and returns the cached copy.
func fetch(ctx context.Context, b *bridge.Bridge, addr string) (*node.Node, error) {
	call, err := b.Fetch(ctx, addr)
	if err := await(ctx, call, err); err != nil {
		return nil, err
	}
	if call.Removed() {
		return nil, fmt.Errorf("%s does not exist", call.Addr)
	}
	n, err := b.Get(addr)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%s does not exist", call.Addr)
	}
	return n, nil
}

// prime fetches addr so writes carry its current mtime.
func prime(ctx context.Context, b *bridge.Bridge, addr string) error {
	call, err := b.Fetch(ctx, addr)
	return await(ctx, call, err)
}

// fetchTree fetches addr and the directories below it, one batch per level.
func fetchTree(ctx context.Context, b *bridge.Bridge, addr string, depth int) error {
	level := []string{addr}
	for d := 0; d <= depth && len(level) > 0; d++ {
		bt := b.NewBatch()
		for _, a := range level {
			bt.Fetch(a)
		}
		call, err := bt.Submit(ctx)
		if err := await(ctx, call, err); err != nil {
			return err
		}

		var next []string
		for _, a := range level {
			n, err := b.Get(a)
			if err != nil || n == nil || !n.IsDirectory() {
				continue
			}
			for _, c := range n.Children() {
				if c.IsDirectory() {
					next = append(next, address.Join(n.Address(), c.Key()))
				}
			}
		}
		level = next
	}
	return nil
}

// report waits for a write and prints its outcome.
func report(ctx context.Context, s *session, call *bridge.Call, err error) error {
	if err := await(ctx, call, err); err != nil {
		return err
	}
	if call.Removed() {
		fmt.Printf("%s %s\n", s.colors.remove("removed"), call.Addr)
		return nil
	}
	fmt.Printf("%s %s %s\n", s.colors.create(call.Verb), call.Addr, s.colors.meta(call.Duration().Round(time.Millisecond).String()))
	return nil
}

func runDownload(ctx context.Context, s *session, args []string) error {
	if _, err := fetch(ctx, s.bridge, args[0]); err != nil {
		return err
	}
	progress := s.bridge.Subscribe(node.EventStatus, func(ev node.Event) {
		if ev.Status == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "\r%s %3d%% %s", ev.Status.State, ev.Status.Percent, humanSize(ev.Status.Transferred))
	})
	call, err := s.bridge.Download(ctx, args[0])
	err = await(ctx, call, err)
	s.bridge.Unsubscribe(progress)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	switch outputPath {
	case "":
		fmt.Println(call.Path())
		return nil
	case "-":
		return copyFile(os.Stdout, call.Path())
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	if err := copyFile(out, call.Path()); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func runWatch(ctx context.Context, s *session, args []string) error {
	addr := s.cfg.Root
	if len(args) == 1 {
		addr = args[0]
	}
	if err := fetchTree(ctx, s.bridge, addr, 1); err != nil {
		return err
	}

	s.bridge.Subscribe(node.EventAny, func(ev node.Event) {
		if address.Within(addr, ev.Addr) {
			fmt.Println(formatEvent(ev, s.colors))
		}
	})

	if watchPoll {
		if err := s.bridge.StartAutoRefresh(); err != nil {
			return err
		}
		defer s.bridge.StopAutoRefresh()
	} else if err := s.bridge.Watch(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "watching %s (Ctrl-C to stop)\n", addr)
	<-ctx.Done()
	return nil
}

func runCache(ctx context.Context, s *session, args []string) error {
	if s.cache == nil {
		return errors.New("no content cache configured")
	}
	switch args[0] {
	case "stats":
		size, maxSize, count := s.cache.Stats()
		fmt.Printf("dir:     %s\n", s.cache.Dir())
		fmt.Printf("files:   %d\n", count)
		fmt.Printf("size:    %s / %s\n", humanSize(size), humanSize(maxSize))
	case "ls":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDR\tSIZE\tPINNED\tLAST ACCESS")
		for _, e := range s.cache.List() {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", e.Addr, humanSize(e.Size), e.Pinned, e.LastAccess.Format(time.RFC3339))
		}
		return w.Flush()
	case "clear":
		fmt.Printf("removed %d files\n", s.cache.Clear())
	default:
		return fmt.Errorf("unknown cache command %q", args[0])
	}
	return nil
}
