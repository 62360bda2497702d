// Command hubctl browses and edits a hub tree from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/config"
	"github.com/fruitsalade/fruitsalade/hub/internal/logging"
	"github.com/fruitsalade/fruitsalade/hub/pkg/bridge"
	"github.com/fruitsalade/fruitsalade/hub/pkg/cache"
	"github.com/fruitsalade/fruitsalade/hub/pkg/client"
)

var (
	serverURL string
	rootAddr  string
	token     string
	timeout   time.Duration
	colorMode string
	verbose   bool

	rootCmd = &cobra.Command{
		Use:           "hubctl",
		Short:         "Browse and edit a hub tree",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&serverURL, "server", "s", "", "hub server URL (default from HUB_SERVER_URL)")
	f.StringVar(&rootAddr, "root", "", "root address of the cached tree (default from HUB_ROOT)")
	f.StringVar(&token, "token", "", "bearer token (default from HUB_TOKEN or the token file)")
	f.DurationVar(&timeout, "timeout", 0, "request timeout")
	f.StringVar(&colorMode, "color", "auto", "colorize output: auto, always or never")
	f.BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(
		getCmd, lsCmd, treeCmd,
		createCmd, setCmd, storeCmd, insertCmd,
		rmCmd, renameCmd, mvCmd, cpCmd, reorderCmd,
		downloadCmd, watchCmd,
		tokenCmd, cacheCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorf(err))
		os.Exit(1)
	}
}

// session holds what a command needs to talk to the hub.
type session struct {
	cfg    *config.Config
	log    *zap.Logger
	client *client.Client
	cache  *cache.Cache
	bridge *bridge.Bridge
	colors *palette
}

// loadConfig merges the environment, the config file and the flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if rootAddr != "" {
		cfg.Root = rootAddr
	}
	if token != "" {
		cfg.Token = token
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if verbose {
		cfg.LogLevel = "debug"
	} else if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "warn"
	}
	return cfg, nil
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logging.Build(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}

	c := client.New(client.Config{
		BaseURL:   cfg.ServerURL,
		Timeout:   cfg.Timeout,
		AuthToken: resolveToken(cfg, log),
		RateLimit: cfg.RateLimit,
		Burst:     cfg.RateBurst,
		Logger:    log,
	})

	var cc *cache.Cache
	if cfg.CacheDir != "" {
		cc, err = cache.New(cfg.CacheDir, cfg.CacheMaxSize)
		if err != nil {
			log.Warn("content cache unavailable", zap.String("dir", cfg.CacheDir), zap.Error(err))
			cc = nil
		}
	}

	b, err := bridge.New(bridge.Config{
		Root:            cfg.Root,
		Transport:       c,
		Cache:           cc,
		Logger:          log,
		RefreshInterval: cfg.RefreshInterval,
	})
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:    cfg,
		log:    log,
		client: c,
		cache:  cc,
		bridge: b,
		colors: newPalette(colorMode, os.Stdout),
	}, nil
}

func (s *session) Close() {
	s.bridge.Close()
	if s.cache != nil {
		if err := s.cache.Save(); err != nil {
			s.log.Warn("save cache index", zap.Error(err))
		}
	}
	s.log.Sync()
}

// resolveToken picks the flag or environment token, then a saved token
// file for the same server.
func resolveToken(cfg *config.Config, log *zap.Logger) string {
	if cfg.Token != "" {
		return cfg.Token
	}
	path := cfg.TokenFile
	if path == "" {
		path = client.TokenFilePath()
	}
	tf, err := client.LoadToken(path)
	if err != nil {
		return ""
	}
	if tf.Server != "" && tf.Server != cfg.ServerURL {
		log.Debug("saved token is for another server", zap.String("server", tf.Server))
		return ""
	}
	if tf.IsExpired(time.Minute) {
		log.Warn("saved token has expired", zap.String("path", path))
		return ""
	}
	return tf.Token
}

// run wraps a command body with a session.
func run(fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd.Context(), s, args)
	}
}
