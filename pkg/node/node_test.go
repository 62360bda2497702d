package node

import (
	"errors"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
)

// recorder collects events delivered to a listener.
type recorder struct {
	events []Event
}

func (r *recorder) handle(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []string {
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind.String() + ":" + ev.Addr
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type ownerFunc func(Event)

func (f ownerFunc) NodeEvent(ev Event) { f(ev) }

func file(mtime int64) *Node {
	n := NewScalar("file-text", "")
	n.SetAttr(AttrMTime, strconv.FormatInt(mtime, 10))
	return n
}

func dirNode(mtime int64, keys ...string) *Node {
	d := NewMap(TypeDirectory)
	d.SetAttr(AttrMTime, strconv.FormatInt(mtime, 10))
	for _, k := range keys {
		d.insertAt(d.Len(), k, file(mtime))
	}
	return d
}

// checkAddresses asserts the address invariant over a whole tree.
func checkAddresses(t *testing.T, root *Node) {
	t.Helper()
	root.Walk(func(n *Node) bool {
		if n.Parent() == nil {
			return true
		}
		want := address.Join(n.Parent().Address(), n.Key())
		if n.Address() != want {
			t.Errorf("address of %q = %q, want %q", n.Key(), n.Address(), want)
		}
		return true
	})
}

func TestAttachAddresses(t *testing.T) {
	root := dirNode(1, "a", "b")
	sub := dirNode(1, "x")
	if err := root.Set("sub", sub); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := root.Find("sub", "x").Address(); got != "/sub/x" {
		t.Errorf("address = %q, want /sub/x", got)
	}
	root.SetAddress("/site")
	if got := root.Find("sub", "x").Address(); got != "/site/sub/x" {
		t.Errorf("address after SetAddress = %q", got)
	}
	checkAddresses(t, root)
}

func TestSetDuplicateKey(t *testing.T) {
	root := dirNode(1, "a")
	if err := root.Set("a", file(1)); !errors.Is(err, ErrExists) {
		t.Fatalf("Set duplicate err = %v, want ErrExists", err)
	}
	if err := root.Set("a/b", file(1)); err == nil {
		t.Fatal("Set with separator in key should fail")
	}
}

func TestRenameReindex(t *testing.T) {
	root := dirNode(1, "a", "old", "b")
	var renamed, siblings recorder
	root.Child("old").Subscribe(EventAny, renamed.handle)
	root.Child("a").Subscribe(EventAny, siblings.handle)
	root.Child("b").Subscribe(EventAny, siblings.handle)

	if err := root.Child("old").SetKey("new"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "new", "b"}, root.Keys()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if len(renamed.events) != 1 || renamed.events[0].Kind != EventUpdate {
		t.Fatalf("renamed node events = %v, want one update", renamed.kinds())
	}
	ev := renamed.events[0]
	if ev.Updated[UpdatedKey] != "new" || ev.Updated[UpdatedAddr] != "/new" {
		t.Errorf("updated = %v", ev.Updated)
	}
	if len(siblings.events) != 0 {
		t.Errorf("siblings got events: %v", siblings.kinds())
	}
	checkAddresses(t, root)
}

func TestRenameErrors(t *testing.T) {
	root := dirNode(1, "a", "b")
	if err := root.RenameChild("a", "b"); !errors.Is(err, ErrExists) {
		t.Errorf("rename onto existing err = %v", err)
	}
	if err := root.RenameChild("zz", "c"); !errors.Is(err, ErrNoChild) {
		t.Errorf("rename missing err = %v", err)
	}
	if err := root.SetKey("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("rename root err = %v", err)
	}
	list := NewList(TypeDataArray)
	list.Append(NewScalar("data-scalar-text", "v"))
	if err := list.Child("0").SetKey("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("rename list item err = %v", err)
	}
}

func TestSortByKey(t *testing.T) {
	root := dirNode(1, "a", "b", "c")
	var rec recorder
	root.Subscribe(EventUpdate, rec.handle)

	if err := root.SortByKey([]string{"a", "b"}); !errors.Is(err, ErrPermutation) {
		t.Errorf("short order err = %v", err)
	}
	if err := root.SortByKey([]string{"a", "a", "b"}); !errors.Is(err, ErrPermutation) {
		t.Errorf("duplicate order err = %v", err)
	}
	if err := root.SortByKey([]string{"a", "b", "z"}); !errors.Is(err, ErrPermutation) {
		t.Errorf("foreign key err = %v", err)
	}
	if err := root.SortByKey([]string{"a", "b", "c"}); err != nil || len(rec.events) != 0 {
		t.Fatalf("unchanged order: err=%v events=%v", err, rec.kinds())
	}
	if err := root.SortByKey([]string{"c", "a", "b"}); err != nil {
		t.Fatalf("SortByKey: %v", err)
	}
	if diff := cmp.Diff([]string{"c", "a", "b"}, root.Keys()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if len(rec.events) != 1 || !rec.events[0].Has(UpdatedOrder) {
		t.Errorf("events = %v, want one update{order}", rec.kinds())
	}

	if err := NewScalar("data-scalar-text", "x").SortByKey(nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("sort scalar err = %v", err)
	}
}

func TestListSortAndRemoveReindex(t *testing.T) {
	list := NewList(TypeDataArray)
	for _, v := range []string{"x", "y", "z"} {
		list.Append(NewScalar("data-scalar-text", v))
	}
	if err := list.SortByKey([]string{"2", "0", "1"}); err != nil {
		t.Fatalf("SortByKey: %v", err)
	}
	if got := []string{list.Child("0").Value(), list.Child("1").Value(), list.Child("2").Value()}; !cmp.Equal(got, []string{"z", "x", "y"}) {
		t.Errorf("values after sort = %v", got)
	}

	var rec recorder
	removed := list.Child("0")
	removed.Subscribe(EventRemove, rec.handle)
	var parentRec recorder
	list.Subscribe(EventAny, parentRec.handle)

	if _, err := list.RemoveValue("0"); err != nil {
		t.Fatalf("RemoveValue: %v", err)
	}
	if rec.count(EventRemove) != 1 {
		t.Errorf("removed child got %v", rec.kinds())
	}
	if len(parentRec.events) != 1 || parentRec.events[0].Node != removed {
		t.Errorf("container should only see the bubbled child remove, got %v", parentRec.kinds())
	}
	if list.Child("0").Value() != "x" || list.Child("0").Key() != "0" || list.Child("1").Address() != "/1" {
		t.Errorf("list not re-indexed: key=%q addr=%q", list.Child("0").Key(), list.Child("1").Address())
	}
	checkAddresses(t, list)
}

func TestBubblingOrder(t *testing.T) {
	root := dirNode(1)
	sub := dirNode(1, "leaf")
	root.insertAt(0, "sub", sub)

	var order []string
	var ownerEvents []Event
	root.SetOwner(ownerFunc(func(ev Event) { ownerEvents = append(ownerEvents, ev) }))
	leaf := root.Find("sub", "leaf")
	leaf.Subscribe(EventChange, func(ev Event) { order = append(order, "leaf") })
	sub.Subscribe(EventChange, func(ev Event) {
		order = append(order, "sub")
		if ev.Node != leaf || ev.Current != sub {
			t.Errorf("bubbled event Node/Current wrong")
		}
	})
	root.Subscribe(EventChange, func(ev Event) { order = append(order, "root") })

	if err := leaf.SetValue("hello"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if diff := cmp.Diff([]string{"leaf", "sub", "root"}, order); diff != "" {
		t.Errorf("delivery order (-want +got):\n%s", diff)
	}
	if len(ownerEvents) != 1 || ownerEvents[0].Addr != "/sub/leaf" {
		t.Errorf("owner events = %d", len(ownerEvents))
	}

	// Status does not bubble but still reaches the owner.
	order = nil
	root.Subscribe(EventStatus, func(Event) { order = append(order, "root-status") })
	leaf.EmitStatus(Status{State: "uploading", Size: 10, Transferred: 5, Percent: 50})
	if len(order) != 0 {
		t.Errorf("status bubbled: %v", order)
	}
	if len(ownerEvents) != 2 || ownerEvents[1].Status.Percent != 50 {
		t.Errorf("owner did not get status")
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	n := dirNode(1, "a")
	called := false
	n.Child("a").Subscribe(EventChange, func(Event) { panic("boom") })
	n.Subscribe(EventChange, func(Event) { called = true })
	if err := n.Child("a").SetValue("v"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if !called {
		t.Error("second listener not invoked after panic")
	}
}

func TestUnsubscribe(t *testing.T) {
	n := NewScalar("data-scalar-text", "")
	var rec recorder
	sub := n.Subscribe(EventAny, rec.handle)
	n.SetValue("a")
	n.Unsubscribe(sub)
	n.SetValue("b")
	if len(rec.events) != 1 {
		t.Errorf("got %d events, want 1", len(rec.events))
	}
}

func TestDispatcherDefersDelivery(t *testing.T) {
	root := dirNode(1, "a")
	d := &queueOwner{}
	root.SetOwner(d)
	var got int
	root.Subscribe(EventChange, func(Event) { got++ })
	root.Child("a").SetValue("v")
	if got != 0 || len(d.queue) != 1 {
		t.Fatalf("delivery not deferred: got=%d queued=%d", got, len(d.queue))
	}
	d.queue[0]()
	if got != 1 || d.events != 1 {
		t.Errorf("after flush got=%d owner=%d", got, d.events)
	}
}

type queueOwner struct {
	queue  []func()
	events int
}

func (q *queueOwner) NodeEvent(Event)         { q.events++ }
func (q *queueOwner) Dispatch(deliver func()) { q.queue = append(q.queue, deliver) }

func TestStorageAndStale(t *testing.T) {
	root := dirNode(1)
	f := NewMap("file-data")
	f.SetAttr(AttrMTime, "5")
	root.insertAt(0, "f.hf", f)
	rec := NewMap(TypeDataHash)
	f.insertAt(0, "rec", rec)
	val := NewScalar("data-scalar-text", "a")
	rec.insertAt(0, "name", val)

	if val.Storage() != f || f.Storage() != f || root.Storage() != root {
		t.Fatal("Storage lookup wrong")
	}
	if NewMap(TypeDataHash).Storage() != nil {
		t.Error("detached data node should have no storage")
	}
	val.SetValue("b")
	if !f.Stale() {
		t.Error("storage not marked stale after data change")
	}
	if root.Stale() {
		t.Error("directory marked stale by nested file data")
	}
}

func TestScalarUnsupported(t *testing.T) {
	s := NewScalar("data-scalar-text", "v")
	if err := s.Set("x", file(1)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Set on scalar err = %v", err)
	}
	if _, err := s.RemoveValue("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("RemoveValue on scalar err = %v", err)
	}
	if err := s.RenameChild("a", "b"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("RenameChild on scalar err = %v", err)
	}
	if err := NewMap(TypeDataHash).SetValue("x"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetValue on map err = %v", err)
	}
}

func TestInsertAfter(t *testing.T) {
	root := dirNode(1, "a", "b")
	root.InsertAfter("a", "x", file(1))
	root.InsertAfter("", "first", file(1))
	root.InsertAfter("gone", "zero", file(1))
	if diff := cmp.Diff([]string{"zero", "first", "a", "x", "b"}, root.Keys()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}
