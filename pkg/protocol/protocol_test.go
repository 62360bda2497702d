package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeSingle(t *testing.T) {
	resp, err := Decode(strings.NewReader(`{"head":{"meta":{"addr":"/a"}},"body":"url:$\"x\""}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if resp.Head.Struct != StructSingle {
		t.Errorf("struct = %q, want default single", resp.Head.Struct)
	}
	text, err := resp.Text()
	if err != nil || text != `url:$"x"` {
		t.Errorf("Text = %q, %v", text, err)
	}
	if resp.Err() != nil {
		t.Errorf("Err = %v", resp.Err())
	}
}

func TestDecodeBranchMixedEntries(t *testing.T) {
	in := `{"head":{"struct":"branch"},"body":{
		"/a":"url:%(type=directory;mtime=1)",
		"/a/b":{"head":{"struct":"single"},"body":"url:$\"v\""},
		"/a/c":{"head":{"error":{"type":"not-found"},"meta":{"addr":"/a/c"}}}
	}}`
	resp, err := Decode(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	subs, err := resp.Branch()
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("got %d entries", len(subs))
	}
	if text, _ := subs["/a"].Text(); text != "url:%(type=directory;mtime=1)" {
		t.Errorf("/a text = %q", text)
	}
	if text, _ := subs["/a/b"].Text(); text != `url:$"v"` {
		t.Errorf("/a/b text = %q", text)
	}
	if !IsNotFound(subs["/a/c"].Err()) {
		t.Errorf("/a/c err = %v, want not found", subs["/a/c"].Err())
	}
}

func TestBatchRoundTrip(t *testing.T) {
	b, err := NewBatch([]*Response{
		Single("url:$\"1\"", nil),
		Failure(ErrConflict, "stale", map[string]string{MetaAddr: "/f", MetaMTime: "9"}),
	})
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	subs, err := got.Batch()
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d subs", len(subs))
	}
	ce, ok := AsConflict(subs[1].Err())
	if !ok {
		t.Fatalf("sub 1 err = %v, want conflict", subs[1].Err())
	}
	if ce.Addr != "/f" || ce.CurrentMTime != 9 {
		t.Errorf("conflict = %+v", ce)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		typ      string
		conflict bool
		notFound bool
	}{
		{ErrDoesNotExist, false, true},
		{ErrNotFound, false, true},
		{ErrConflict, true, false},
		{ErrPreconditionFailed, true, false},
		{"permission-denied", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			err := Failure(tt.typ, "", nil).Err()
			if _, ok := AsConflict(err); ok != tt.conflict {
				t.Errorf("conflict = %v, want %v", ok, tt.conflict)
			}
			if IsNotFound(err) != tt.notFound {
				t.Errorf("not found = %v, want %v", IsNotFound(err), tt.notFound)
			}
			if !tt.conflict {
				if _, ok := AsRemote(err); !ok {
					t.Errorf("err %T is not a RemoteError", err)
				}
			}
		})
	}
}

func TestStatus(t *testing.T) {
	s := Status{ID: "x", Addr: "/f", State: StateUploading, Size: 200, Received: 50}
	if s.Percent() != 25 || s.Finished() {
		t.Errorf("percent=%d finished=%v", s.Percent(), s.Finished())
	}
	if diff := cmp.Diff(s, ParseStatus(s.Meta())); diff != "" {
		t.Errorf("meta round trip (-want +got):\n%s", diff)
	}
	if (Status{State: StateDone}).Percent() != 100 {
		t.Error("done with unknown size should be 100%")
	}
	for _, state := range []string{StateStarting, StateUploading, StateDownloading} {
		if (Status{State: state}).Finished() {
			t.Errorf("%s is terminal", state)
		}
	}
	for _, state := range []string{StateError, "failed"} {
		st := Status{State: state}
		if !st.Finished() || !st.Failed() {
			t.Errorf("%s: finished=%v failed=%v", state, st.Finished(), st.Failed())
		}
	}
}

func TestCommand(t *testing.T) {
	c := NewCommand(VerbFetch, map[string]string{ParamTarget: "/a"})
	if c.ID == "" || c.Path() != "/api/hub/fetch" || c.Target() != "/a" {
		t.Errorf("command = %+v", c)
	}
	c.SetBranch(true)
	if !c.Branch() {
		t.Error("branch not set")
	}
	c.SetBranch(false)
	if c.Branch() {
		t.Error("branch not cleared")
	}
}
