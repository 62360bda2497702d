package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

func sampleTree(t *testing.T) *node.Node {
	t.Helper()
	root := node.NewMap(node.TypeDirectory)
	docs := node.NewMap(node.TypeDirectory).WithAttrs(map[string]string{node.AttrMTime: "5"})
	cfg := node.NewMap(node.TypeDataHash)
	for _, step := range []error{
		root.Set("docs", docs),
		docs.Set("readme", node.NewScalar("file-text", "hello")),
		root.Set("cfg", cfg),
		cfg.Set("a", node.NewScalar("data-scalar-string", "1")),
		root.Set("later", node.NewStub("")),
	} {
		if step != nil {
			t.Fatalf("build tree: %v", step)
		}
	}
	return root
}

func TestPrintTree(t *testing.T) {
	var buf bytes.Buffer
	printTree(&buf, sampleTree(t), 1, newPalette("never", nil))

	want := strings.Join([]string{
		"/",
		"├── docs/",
		"│   └── readme",
		"├── cfg",
		"│   └── a = 1",
		"└── later …",
		"",
	}, "\n")
	if got := buf.String(); got != want {
		t.Errorf("printTree:\n%s\nwant:\n%s", got, want)
	}
}

func TestPrintTreeDepth(t *testing.T) {
	var buf bytes.Buffer
	printTree(&buf, sampleTree(t), 0, newPalette("never", nil))
	if strings.Contains(buf.String(), "readme") {
		t.Errorf("depth 0 printed grandchildren:\n%s", buf.String())
	}
}

func TestPrintListing(t *testing.T) {
	var buf bytes.Buffer
	root := sampleTree(t)
	printListing(&buf, root.Child("cfg"), newPalette("never", nil))
	if got := strings.Fields(buf.String()); strings.Join(got, " ") != "data-scalar-string - a 1" {
		t.Errorf("listing = %q", buf.String())
	}

	buf.Reset()
	printListing(&buf, root.Find("docs", "readme"), newPalette("never", nil))
	if buf.String() != "hello\n" {
		t.Errorf("scalar listing = %q", buf.String())
	}
}

func TestFormatEvent(t *testing.T) {
	p := newPalette("never", nil)
	tests := []struct {
		ev   node.Event
		want string
	}{
		{node.Event{Kind: node.EventCreate, Addr: "/a"}, "create  /a"},
		{node.Event{Kind: node.EventRemove, Addr: "/a"}, "remove  /a"},
		{node.Event{Kind: node.EventChange, Addr: "/a", Previous: "x", Value: "y"}, "change  /a x -> y"},
		{node.Event{Kind: node.EventUpdate, Addr: "/d", Updated: map[string]string{"mtime": "2", "checksum": "c"}}, "update  /d checksum,mtime"},
		{node.Event{Kind: node.EventStatus, Addr: "/f", Status: &node.Status{State: "downloading", Percent: 40}}, "status  /f downloading 40%"},
	}
	for _, tt := range tests {
		if got := formatEvent(tt.ev, p); got != tt.want {
			t.Errorf("formatEvent(%s) = %q, want %q", tt.ev.Kind, got, tt.want)
		}
	}
}

func TestPaletteAlways(t *testing.T) {
	p := newPalette("always", nil)
	if got := p.remove("x"); got == "x" || !strings.Contains(got, "\x1b[") {
		t.Errorf("always palette did not color: %q", got)
	}
	if got := newPalette("auto", nil).remove("x"); got != "x" {
		t.Errorf("auto palette without a terminal colored: %q", got)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{3 << 20, "3.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.n); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestErrorf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&protocol.ConflictError{Addr: "/a", CurrentMTime: 7}, "conflict: /a changed on the server (mtime 7); fetch it again and retry"},
		{&protocol.ConflictError{Addr: "/a"}, "conflict: /a changed on the server; fetch it again and retry"},
		{&protocol.RemoteError{Type: protocol.ErrDoesNotExist, Addr: "/x"}, "/x: does not exist"},
		{&protocol.RemoteError{Type: protocol.ErrBadRequest, Message: "bad name"}, "hub error (bad-request): hub: bad name"},
		{errors.New("boom"), "error: boom"},
	}
	for _, tt := range tests {
		if got := errorf(tt.err); got != tt.want {
			t.Errorf("errorf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
