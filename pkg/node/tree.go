package node

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
)

// SetAddress rewrites the addr attribute of n and of every descendant.
func (n *Node) SetAddress(addr string) {
	n.attrs[AttrAddr] = addr
	switch n.kind {
	case Map:
		for _, k := range n.keys {
			n.kids[k].SetAddress(address.Join(addr, k))
		}
	case List:
		for i, c := range n.items {
			c.SetAddress(address.Join(addr, strconv.Itoa(i)))
		}
	}
}

// attach links child under key without raising events.
func (n *Node) attach(key string, child *Node) {
	child.parent = n
	child.owner = nil
	child.attrs[AttrKey] = key
	child.SetAddress(address.Join(n.Address(), key))
}

// Set adds child under key at the end of a map and raises Create on it.
func (n *Node) Set(key string, child *Node) error {
	return n.InsertAt(n.Len(), key, child)
}

// Append adds child at the end of a list and raises Create on it.
func (n *Node) Append(child *Node) error {
	return n.InsertAt(n.Len(), "", child)
}

// InsertAfter adds child to a map directly after the sibling keyed prev.
// An empty or missing prev places the child first.
func (n *Node) InsertAfter(prev, key string, child *Node) error {
	return n.InsertAt(n.positionAfter(prev), key, child)
}

// InsertAt adds child at index and raises Create on it. Map children need
// a free key; list children take their index as key and shift the
// siblings after them.
func (n *Node) InsertAt(index int, key string, child *Node) error {
	if err := n.insertAt(index, key, child); err != nil {
		return err
	}
	child.emit(Event{Kind: EventCreate}, true)
	n.touchStorage()
	return nil
}

func (n *Node) insertAt(index int, key string, child *Node) error {
	if index < 0 || index > n.Len() {
		index = n.Len()
	}
	switch n.kind {
	case Map:
		if !address.ValidKey(key) {
			return fmt.Errorf("insert %q: %w", key, &address.Error{Addr: address.Join(n.Address(), key), Reason: "invalid key"})
		}
		if _, ok := n.kids[key]; ok {
			return fmt.Errorf("insert %q into %s: %w", key, n.Address(), ErrExists)
		}
		n.keys = slices.Insert(n.keys, index, key)
		n.kids[key] = child
		n.attach(key, child)
	case List:
		n.items = slices.Insert(n.items, index, child)
		n.reindex(index)
	default:
		return fmt.Errorf("insert into %s: %w", n.kind, ErrUnsupported)
	}
	return nil
}

// reindex refreshes the key and address of list items from index on.
func (n *Node) reindex(from int) {
	for i := from; i < len(n.items); i++ {
		n.attach(strconv.Itoa(i), n.items[i])
	}
}

// positionAfter returns the index directly after prev, or 0 when prev is
// empty or no longer present.
func (n *Node) positionAfter(prev string) int {
	if prev == "" {
		return 0
	}
	i := n.Index(prev)
	if i < 0 {
		return 0
	}
	return i + 1
}

// RemoveValue detaches the child under key and raises Remove on that
// child. List items after it are re-indexed silently.
func (n *Node) RemoveValue(key string) (*Node, error) {
	child, err := n.detach(key)
	if err != nil {
		return nil, err
	}
	n.emitRemoved(child)
	n.touchStorage()
	return child, nil
}

// emitRemoved raises Remove on a child that was just detached from n, so
// the event still bubbles through n and its ancestors.
func (n *Node) emitRemoved(child *Node) {
	line := append([]*Node{child}, n.lineage()...)
	emitLineage(line, Event{Kind: EventRemove, Addr: child.Address()}, true)
}

func (n *Node) detach(key string) (*Node, error) {
	var child *Node
	switch n.kind {
	case Map:
		child = n.kids[key]
		if child == nil {
			return nil, fmt.Errorf("remove %q from %s: %w", key, n.Address(), ErrNoChild)
		}
		n.keys = slices.DeleteFunc(n.keys, func(k string) bool { return k == key })
		delete(n.kids, key)
	case List:
		i, ok := n.listIndex(key)
		if !ok {
			return nil, fmt.Errorf("remove %q from %s: %w", key, n.Address(), ErrNoChild)
		}
		child = n.items[i]
		n.items = slices.Delete(n.items, i, i+1)
		n.reindex(i)
	default:
		return nil, fmt.Errorf("remove from %s: %w", n.kind, ErrUnsupported)
	}
	child.parent = nil
	return child, nil
}

// Replace swaps the child under key for repl at the same position and
// raises Replace on repl.
func (n *Node) Replace(key string, repl *Node) error {
	old, err := n.replace(key, repl)
	if err != nil {
		return err
	}
	repl.emit(Event{Kind: EventReplace, Replaced: old}, true)
	n.touchStorage()
	return nil
}

func (n *Node) replace(key string, repl *Node) (*Node, error) {
	switch n.kind {
	case Map:
		old := n.kids[key]
		if old == nil {
			return nil, fmt.Errorf("replace %q in %s: %w", key, n.Address(), ErrNoChild)
		}
		old.parent = nil
		n.kids[key] = repl
		n.attach(key, repl)
		return old, nil
	case List:
		i, ok := n.listIndex(key)
		if !ok {
			return nil, fmt.Errorf("replace %q in %s: %w", key, n.Address(), ErrNoChild)
		}
		old := n.items[i]
		old.parent = nil
		n.items[i] = repl
		n.attach(key, repl)
		return old, nil
	}
	return nil, fmt.Errorf("replace in %s: %w", n.kind, ErrUnsupported)
}

// RenameChild moves the child under from to the key to, keeping its
// position, and raises Update{key, addr} on it.
func (n *Node) RenameChild(from, to string) error {
	if n.kind != Map {
		return fmt.Errorf("rename in %s: %w", n.kind, ErrUnsupported)
	}
	child := n.kids[from]
	if child == nil {
		return fmt.Errorf("rename %q in %s: %w", from, n.Address(), ErrNoChild)
	}
	if from == to {
		return nil
	}
	if !address.ValidKey(to) {
		return &address.Error{Addr: address.Join(n.Address(), to), Reason: "invalid key"}
	}
	if _, ok := n.kids[to]; ok {
		return fmt.Errorf("rename %q to %q in %s: %w", from, to, n.Address(), ErrExists)
	}
	n.keys[slices.Index(n.keys, from)] = to
	delete(n.kids, from)
	n.kids[to] = child
	n.attach(to, child)
	child.emit(Event{Kind: EventUpdate, Updated: map[string]string{
		UpdatedKey:  to,
		UpdatedAddr: child.Address(),
	}}, true)
	return nil
}

// SetKey renames n within its parent map.
func (n *Node) SetKey(key string) error {
	if n.parent == nil {
		return fmt.Errorf("set key on detached node: %w", ErrUnsupported)
	}
	return n.parent.RenameChild(n.Key(), key)
}

// SortByKey reorders the children. order must be a permutation of Keys();
// an unchanged order is a no-op. A change raises a single Update{order}.
func (n *Node) SortByKey(order []string) error {
	if n.kind == Scalar {
		return fmt.Errorf("sort %s: %w", n.Address(), ErrUnsupported)
	}
	current := n.Keys()
	if len(order) != len(current) {
		return fmt.Errorf("sort %s: %w", n.Address(), ErrPermutation)
	}
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		if seen[k] || n.Index(k) < 0 {
			return fmt.Errorf("sort %s by %q: %w", n.Address(), k, ErrPermutation)
		}
		seen[k] = true
	}
	if slices.Equal(order, current) {
		return nil
	}
	switch n.kind {
	case Map:
		n.keys = append(n.keys[:0], order...)
	case List:
		items := make([]*Node, len(order))
		for i, k := range order {
			j, _ := n.listIndex(k)
			items[i] = n.items[j]
		}
		n.items = items
		n.reindex(0)
	}
	n.emit(Event{Kind: EventUpdate, Updated: map[string]string{UpdatedOrder: "true"}}, true)
	n.touchStorage()
	return nil
}

// move repositions an existing map child to index.
func (n *Node) move(key string, index int) {
	i := slices.Index(n.keys, key)
	if i < 0 {
		return
	}
	n.keys = slices.Delete(n.keys, i, i+1)
	if index > i {
		index--
	}
	if index < 0 || index > len(n.keys) {
		index = len(n.keys)
	}
	n.keys = slices.Insert(n.keys, index, key)
}
