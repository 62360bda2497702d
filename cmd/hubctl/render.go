package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

type palette struct {
	dir    func(a ...any) string
	file   func(a ...any) string
	key    func(a ...any) string
	value  func(a ...any) string
	meta   func(a ...any) string
	create func(a ...any) string
	remove func(a ...any) string
	update func(a ...any) string
}

// newPalette colors output for mode "always", never for "never", and for
// "auto" only when f is a terminal.
func newPalette(mode string, f *os.File) *palette {
	enabled := false
	switch mode {
	case "always":
		enabled = true
	case "never":
	default:
		enabled = f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
	}

	sprint := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &palette{
		dir:    sprint(color.FgBlue, color.Bold),
		file:   sprint(color.Reset),
		key:    sprint(color.FgCyan),
		value:  sprint(color.FgGreen),
		meta:   sprint(color.FgHiBlack),
		create: sprint(color.FgGreen),
		remove: sprint(color.FgRed),
		update: sprint(color.FgYellow),
	}
}

func (p *palette) name(n *node.Node) string {
	if n.IsDirectory() {
		return p.dir(n.Key() + "/")
	}
	if n.IsFile() {
		return p.file(n.Key())
	}
	return p.key(n.Key())
}

func formatMTime(n *node.Node) string {
	mt := n.MTime()
	if mt <= 0 {
		return "-"
	}
	return time.Unix(mt, 0).Format("2006-01-02 15:04")
}

// printListing writes one line per child of n.
func printListing(w io.Writer, n *node.Node, p *palette) {
	if !n.IsContainer() {
		fmt.Fprintln(w, p.value(n.Value()))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, c := range n.Children() {
		detail := ""
		if !c.IsContainer() && !c.IsStorage() {
			detail = p.value(c.Value())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.meta(c.Type()), p.meta(formatMTime(c)), p.name(c), detail)
	}
	tw.Flush()
}

// printTree draws n and its containers down to depth levels.
func printTree(w io.Writer, n *node.Node, depth int, p *palette) {
	label := n.Address()
	if n.IsDirectory() && label != "/" {
		label += "/"
	}
	fmt.Fprintln(w, p.dir(label))
	printBranch(w, n, "", depth, p)
}

func printBranch(w io.Writer, n *node.Node, indent string, depth int, p *palette) {
	children := n.Children()
	for i, c := range children {
		branch, next := "├── ", "│   "
		if i == len(children)-1 {
			branch, next = "└── ", "    "
		}
		line := p.name(c)
		switch {
		case !c.IsContainer() && !c.IsStorage():
			line += " = " + p.value(c.Value())
		case c.IsStub():
			line += " " + p.meta("…")
		}
		fmt.Fprintln(w, indent+branch+line)
		if c.IsContainer() && depth > 0 {
			printBranch(w, c, indent+next, depth-1, p)
		}
	}
}

// formatEvent renders a node event as one line.
func formatEvent(ev node.Event, p *palette) string {
	kind := fmt.Sprintf("%-7s", ev.Kind)
	switch ev.Kind {
	case node.EventCreate:
		kind = p.create(kind)
	case node.EventRemove:
		kind = p.remove(kind)
	default:
		kind = p.update(kind)
	}

	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte(' ')
	b.WriteString(ev.Addr)
	switch ev.Kind {
	case node.EventChange:
		fmt.Fprintf(&b, " %s -> %s", p.meta(ev.Previous), p.value(ev.Value))
	case node.EventStatus:
		if ev.Status != nil {
			fmt.Fprintf(&b, " %s %d%%", ev.Status.State, ev.Status.Percent)
		}
	case node.EventUpdate:
		if len(ev.Updated) > 0 {
			keys := make([]string, 0, len(ev.Updated))
			for k := range ev.Updated {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(" " + p.meta(strings.Join(keys, ",")))
		}
	}
	return b.String()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// errorf turns a command error into the message shown to the user.
func errorf(err error) string {
	if ce, ok := protocol.AsConflict(err); ok {
		msg := "conflict: " + ce.Addr + " changed on the server"
		if ce.CurrentMTime > 0 {
			msg += fmt.Sprintf(" (mtime %d)", ce.CurrentMTime)
		}
		return msg + "; fetch it again and retry"
	}
	if re, ok := protocol.AsRemote(err); ok {
		if re.NotFound() && re.Addr != "" {
			return re.Addr + ": does not exist"
		}
		return "hub error (" + re.Type + "): " + re.Error()
	}
	return "error: " + err.Error()
}
