package node

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func scalar(typ, value string, attrs map[string]string) *Node {
	return NewScalar(typ, value).WithAttrs(attrs)
}

func listing(mtime string, children map[string]*Node, order ...string) *Node {
	d := NewMap(TypeDirectory).WithAttrs(map[string]string{AttrMTime: mtime})
	for _, k := range order {
		d.insertAt(d.Len(), k, children[k])
	}
	return d
}

func TestMergeIdempotent(t *testing.T) {
	payload := func() *Node {
		return listing("5", map[string]*Node{
			"a.txt": scalar("file-text", "hello", map[string]string{AttrMTime: "5"}),
			"sub":   NewStub(TypeDirectory),
		}, "a.txt", "sub")
	}

	local := NewStub(TypeDirectory)
	var rec recorder
	local.Subscribe(EventAny, rec.handle)

	local.Merge(payload())
	if diff := cmp.Diff([]string{"update:/", "create:/a.txt", "create:/sub"}, rec.kinds()); diff != "" {
		t.Fatalf("first merge events (-want +got):\n%s", diff)
	}
	if local.Partial() {
		t.Error("listed directory still partial")
	}
	if !local.Child("sub").Partial() {
		t.Error("unlisted subdirectory should stay partial")
	}

	rec.events = nil
	local.Merge(payload())
	if len(rec.events) != 0 {
		t.Errorf("second merge raised %v", rec.kinds())
	}
}

func TestMergeMonotonicMTime(t *testing.T) {
	root := listing("1", map[string]*Node{
		"f": scalar("file-text", "new", map[string]string{AttrMTime: "10"}),
	}, "f")
	f := root.Child("f")
	var rec recorder
	f.Subscribe(EventAny, rec.handle)

	root.MergeChild("f", scalar("file-text", "old", map[string]string{AttrMTime: "5"}))
	if f.Value() != "new" || f.MTime() != 10 || len(rec.events) != 0 {
		t.Fatalf("older payload applied: value=%q mtime=%d events=%v", f.Value(), f.MTime(), rec.kinds())
	}

	root.MergeChild("f", scalar("file-text", "newer", map[string]string{AttrMTime: "11"}))
	if f.Value() != "newer" || f.MTime() != 11 {
		t.Fatalf("newer payload ignored: value=%q mtime=%d", f.Value(), f.MTime())
	}
	if rec.count(EventChange) != 1 || rec.count(EventUpdate) != 1 {
		t.Errorf("events = %v, want one change and one update", rec.kinds())
	}
	upd := rec.events[1]
	if diff := cmp.Diff(map[string]string{AttrMTime: "11"}, upd.Updated); diff != "" {
		t.Errorf("updated (-want +got):\n%s", diff)
	}
}

func TestMergeChecksumAuthoritative(t *testing.T) {
	root := listing("1", map[string]*Node{
		"f": scalar("file-text", "x", map[string]string{AttrMTime: "10", AttrChecksum: "aa"}),
	}, "f")
	f := root.Child("f")

	root.MergeChild("f", scalar("file-text", "same", map[string]string{AttrMTime: "20", AttrChecksum: "aa"}))
	if f.Value() != "x" {
		t.Errorf("equal checksum applied payload: %q", f.Value())
	}
	if f.MTime() != 20 {
		t.Errorf("equal checksum kept mtime %d, want 20", f.MTime())
	}
	root.MergeChild("f", scalar("file-text", "y", map[string]string{AttrMTime: "3", AttrChecksum: "bb"}))
	if f.Value() != "y" || f.Checksum() != "bb" {
		t.Errorf("different checksum ignored: value=%q checksum=%q", f.Value(), f.Checksum())
	}
}

func TestMergeEqualChecksumAdvancesMTime(t *testing.T) {
	root := listing("1", map[string]*Node{
		"f": scalar("file-text", "x", map[string]string{AttrMTime: "1", AttrChecksum: "aa"}),
	}, "f")
	f := root.Child("f")
	var rec recorder
	f.Subscribe(EventAny, rec.handle)

	root.MergeChild("f", scalar("file-text", "x", map[string]string{AttrMTime: "5", AttrChecksum: "aa"}))
	if f.MTime() != 5 {
		t.Fatalf("mtime = %d, want 5", f.MTime())
	}
	if rec.count(EventChange) != 0 || rec.count(EventUpdate) != 1 {
		t.Errorf("events = %v, want a single update", rec.kinds())
	}
	if ev := rec.events[0]; !ev.Has(AttrMTime) || len(ev.Updated) != 1 {
		t.Errorf("update names %v, want only mtime", ev.Updated)
	}

	rec.events = nil
	root.MergeChild("f", scalar("file-text", "x", map[string]string{AttrMTime: "4", AttrChecksum: "aa"}))
	root.MergeChild("f", scalar("file-text", "x", map[string]string{AttrMTime: "5", AttrChecksum: "aa"}))
	if f.MTime() != 5 || len(rec.events) != 0 {
		t.Errorf("older or equal mtime: mtime=%d events=%v", f.MTime(), rec.kinds())
	}
}

func TestMergeDirectoryCrop(t *testing.T) {
	mk := func() map[string]*Node {
		return map[string]*Node{
			"a": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
			"b": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
			"c": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
		}
	}
	local := listing("1", mk(), "a", "b", "c")
	removed := local.Child("b")
	var rec recorder
	local.Subscribe(EventRemove, rec.handle)

	local.Merge(listing("2", mk(), "a", "c"))
	if diff := cmp.Diff([]string{"a", "c"}, local.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if len(rec.events) != 1 || rec.events[0].Node != removed || rec.events[0].Addr != "/b" {
		t.Errorf("remove events = %v, want exactly one for /b", rec.kinds())
	}
	if removed.Parent() != nil {
		t.Error("cropped node still linked")
	}
}

func TestMergePartialKeepsChildren(t *testing.T) {
	local := listing("1", map[string]*Node{
		"a": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
	}, "a")
	payload := NewMap(TypeDirectory).WithAttrs(map[string]string{AttrMTime: "2"})
	payload.SetPartial(true)

	local.Merge(payload)
	if local.Len() != 1 || local.MTime() != 2 {
		t.Errorf("partial payload: len=%d mtime=%d", local.Len(), local.MTime())
	}
}

func TestMergeReorderFollowsPayload(t *testing.T) {
	mk := func() map[string]*Node {
		return map[string]*Node{
			"a": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
			"b": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
		}
	}
	local := listing("1", mk(), "a", "b")
	var rec recorder
	local.Subscribe(EventUpdate, rec.handle)
	local.Merge(listing("2", mk(), "b", "a"))
	if diff := cmp.Diff([]string{"b", "a"}, local.Keys()); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}
	if len(rec.events) != 2 || !rec.events[1].Has(UpdatedOrder) {
		t.Errorf("events = %v, want mtime update then order update", rec.kinds())
	}
}

func TestMergeTypeChangeRecreates(t *testing.T) {
	local := listing("1", map[string]*Node{
		"x": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
		"y": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
	}, "x", "y")
	var rec recorder
	local.Subscribe(EventAny, rec.handle)

	sub := NewMap(TypeDirectory).WithAttrs(map[string]string{AttrMTime: "2"})
	local.Merge(listing("2", map[string]*Node{
		"x": sub,
		"y": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
	}, "x", "y"))

	if diff := cmp.Diff([]string{"update:/", "remove:/x", "create:/x"}, rec.kinds()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
	if !rec.events[2].TypeChanged {
		t.Error("create not tagged TypeChanged")
	}
	if x := local.Child("x"); !x.IsDirectory() || local.Index("x") != 0 {
		t.Errorf("recreated node type=%q index=%d", x.Type(), local.Index("x"))
	}
}

func TestMergeDataVariantReplaced(t *testing.T) {
	f := NewMap("file-data").WithAttrs(map[string]string{AttrMTime: "1"})
	f.insertAt(0, "v", NewScalar("data-scalar-text", "a"))
	old := f.Child("v")
	var rec recorder
	f.Subscribe(EventReplace, rec.handle)

	src := NewMap("file-data").WithAttrs(map[string]string{AttrMTime: "2"})
	src.insertAt(0, "v", NewMap(TypeDataHash))
	f.Merge(src)

	if len(rec.events) != 1 || rec.events[0].Replaced != old {
		t.Fatalf("replace events = %v", rec.kinds())
	}
	if f.Child("v").Kind() != Map {
		t.Errorf("child kind = %s", f.Child("v").Kind())
	}
}

func TestMergeStubFilledInPlace(t *testing.T) {
	local := listing("1", map[string]*Node{"s": NewStub("")}, "s")
	stub := local.Child("s")

	filled := listing("3", map[string]*Node{
		"inner": scalar("file-text", "", map[string]string{AttrMTime: "3"}),
	}, "inner")
	local.MergeChild("s", filled)

	if local.Child("s") != stub {
		t.Fatal("stub with matching variant was replaced")
	}
	if !stub.IsDirectory() || stub.Partial() || stub.Len() != 1 {
		t.Errorf("stub not filled: type=%q partial=%v len=%d", stub.Type(), stub.Partial(), stub.Len())
	}
	if got := stub.Child("inner").Address(); got != "/s/inner" {
		t.Errorf("inner address = %q", got)
	}

	// A stub of another variant gives way to the payload.
	local.insertAt(local.Len(), "t", NewStub(""))
	var rec, own recorder
	local.Subscribe(EventReplace, rec.handle)
	local.Child("t").Subscribe(EventAny, own.handle)
	local.MergeChild("t", scalar("file-text", "x", map[string]string{AttrMTime: "3"}))
	if local.Child("t").Kind() != Scalar || len(rec.events) != 1 {
		t.Errorf("scalar payload did not replace map stub")
	}
	if own.count(EventReplace) != 1 {
		t.Errorf("stub handlers saw %v, want the replace", own.kinds())
	}
	local.Child("t").SetValue("y")
	if own.count(EventChange) != 1 {
		t.Errorf("stub handlers not carried to the replacement: %v", own.kinds())
	}
}

func TestSupersede(t *testing.T) {
	old := NewStub("")
	var rec recorder
	old.Subscribe(EventAny, rec.handle)

	repl := NewList(TypeDataArray)
	repl.Supersede(old)
	if len(rec.events) != 1 || rec.events[0].Kind != EventReplace || rec.events[0].Replaced != old {
		t.Fatalf("events = %v, want one replace of the old node", rec.kinds())
	}
	repl.Append(NewScalar("", "a"))
	if rec.count(EventCreate) != 1 {
		t.Errorf("handlers did not move: %v", rec.kinds())
	}
	if len(old.handlers) != 0 {
		t.Error("old node kept its handlers")
	}
}

func TestMergeListTrim(t *testing.T) {
	f := NewMap("file-data").WithAttrs(map[string]string{AttrMTime: "1"})
	arr := NewList(TypeDataArray)
	for _, v := range []string{"x", "y", "z"} {
		arr.insertAt(arr.Len(), "", NewScalar("data-scalar-text", v))
	}
	f.insertAt(0, "arr", arr)
	var rec recorder
	arr.Subscribe(EventAny, rec.handle)

	src := NewMap("file-data").WithAttrs(map[string]string{AttrMTime: "2"})
	srcArr := NewList(TypeDataArray)
	srcArr.insertAt(0, "", NewScalar("data-scalar-text", "x"))
	srcArr.insertAt(1, "", NewScalar("data-scalar-text", "q"))
	src.insertAt(0, "arr", srcArr)
	f.Merge(src)

	if diff := cmp.Diff([]string{"remove:/arr/2", "change:/arr/1"}, rec.kinds()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if arr.Len() != 2 || arr.Child("1").Value() != "q" {
		t.Errorf("list after merge: len=%d", arr.Len())
	}
	if f.Stale() {
		t.Error("complete payload left storage node stale")
	}
}

func TestMergePrevPositions(t *testing.T) {
	mk := func() *Node {
		return listing("1", map[string]*Node{
			"a": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
			"b": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
			"c": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
		}, "a", "b", "c")
	}

	tests := []struct {
		name      string
		prev      string
		wantOrder []string
		wantIndex string
	}{
		{"after sibling", "a", []string{"a", "c", "b"}, "1"},
		{"empty prev goes first", "", []string{"c", "a", "b"}, "0"},
		{"missing sibling falls back to first", "gone", []string{"c", "a", "b"}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := mk()
			c := root.Child("c")
			c.SetAttr(AttrPrev, tt.prev)
			var rec recorder
			c.Subscribe(EventUpdate, rec.handle)

			root.MergeChild("c", scalar("file-text", "", map[string]string{AttrMTime: "1"}))

			if diff := cmp.Diff(tt.wantOrder, root.Keys()); diff != "" {
				t.Errorf("order (-want +got):\n%s", diff)
			}
			if len(rec.events) != 1 || rec.events[0].Updated[UpdatedIndex] != tt.wantIndex {
				t.Errorf("update events = %v", rec.events)
			}
			if _, ok := c.Attr(AttrPrev); ok {
				t.Error("prev attribute not consumed")
			}
			checkAddresses(t, root)
		})
	}
}

func TestMergeStaleStorageAcceptsSameMTime(t *testing.T) {
	f := NewMap("file-data").WithAttrs(map[string]string{AttrMTime: "5"})
	f.insertAt(0, "v", NewScalar("data-scalar-text", "a"))
	f.Child("v").SetValue("local")
	if !f.Stale() {
		t.Fatal("storage not stale after local edit")
	}

	src := NewMap("file-data").WithAttrs(map[string]string{AttrMTime: "5", "owner": "bob"})
	src.insertAt(0, "v", NewScalar("data-scalar-text", "a"))
	f.Merge(src)

	if f.Stale() {
		t.Error("still stale after merge")
	}
	if v, _ := f.Attr("owner"); v != "bob" {
		t.Error("stale storage rejected same-mtime attributes")
	}
	if f.Child("v").Value() != "a" {
		t.Errorf("value = %q, want server value", f.Child("v").Value())
	}
}

func TestMergeKeepsLocalAttrs(t *testing.T) {
	root := listing("1", map[string]*Node{
		"f": scalar("file-text", "", map[string]string{AttrMTime: "1"}),
	}, "f")
	root.MergeChild("f", scalar("file-text", "", map[string]string{AttrMTime: "2", AttrAddr: "/elsewhere", AttrKey: "zz"}))
	f := root.Child("f")
	if f.Address() != "/f" || f.Key() != "f" {
		t.Errorf("local attrs overwritten: addr=%q key=%q", f.Address(), f.Key())
	}
}
