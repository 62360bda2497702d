// Package node implements the cached hub tree: one Node type carrying a
// closed set of variants (scalar, ordered map, ordered list), a string
// attribute bag, parent linkage, event bubbling and payload merging.
//
// Nodes are not safe for concurrent use. A tree owned by a bridge must only
// be touched while holding the bridge (see bridge.Mutate).
package node

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
)

// Kind selects the node variant.
type Kind uint8

const (
	Scalar Kind = iota
	Map
	List
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Map:
		return "map"
	case List:
		return "list"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Well-known attribute names.
const (
	AttrType     = "type"
	AttrMTime    = "mtime"
	AttrChecksum = "checksum"
	AttrKey      = "key"
	AttrAddr     = "addr"
	AttrPrev     = "prev"
)

// Well-known type values. File types are "file-" followed by a subtype and
// scalar data types are "data-scalar-" followed by a subtype.
const (
	TypeDirectory  = "directory"
	TypeDataHash   = "data-hash"
	TypeDataArray  = "data-array"
	TypeUnknown    = "unknown"
	TypeLoading    = "loading"
	FilePrefix     = "file-"
	DataScalarPref = "data-scalar-"
)

var (
	// ErrUnsupported is returned when an operation does not apply to the
	// node's variant, such as reordering a scalar.
	ErrUnsupported = errors.New("node: unsupported operation")
	// ErrPermutation is returned by SortByKey when the new order is not a
	// permutation of the current keys.
	ErrPermutation = errors.New("node: order is not a permutation of the current keys")
	// ErrExists is returned when a key is already occupied.
	ErrExists = errors.New("node: key already exists")
	// ErrNoChild is returned when a key does not name a child.
	ErrNoChild = errors.New("node: no such child")
)

// localAttrs are kept on the local side of a merge and never compared
// against a payload.
var localAttrs = map[string]bool{
	AttrAddr: true,
	AttrKey:  true,
	AttrPrev: true,
}

// Node is a member of a hub tree.
type Node struct {
	kind  Kind
	attrs map[string]string

	parent *Node
	owner  Owner

	value string           // Scalar
	keys  []string         // Map order
	kids  map[string]*Node // Map children
	items []*Node          // List children

	// partial marks a container whose children are not known.
	partial bool
	// stale marks a storage node whose remote representation is older
	// than what is known locally.
	stale bool

	handlers []handler
}

// New returns an empty node of the given kind and type.
func New(kind Kind, typ string) *Node {
	n := &Node{kind: kind, attrs: map[string]string{}}
	if typ != "" {
		n.attrs[AttrType] = typ
	}
	if kind == Map {
		n.kids = map[string]*Node{}
	}
	return n
}

// NewScalar returns a scalar node holding value.
func NewScalar(typ, value string) *Node {
	n := New(Scalar, typ)
	n.value = value
	return n
}

// NewMap returns an empty map node.
func NewMap(typ string) *Node {
	return New(Map, typ)
}

// NewList returns an empty list node.
func NewList(typ string) *Node {
	return New(List, typ)
}

// NewStub returns a placeholder for a node referenced before its data has
// been fetched.
func NewStub(typ string) *Node {
	if typ == "" {
		typ = TypeUnknown
	}
	n := New(Map, typ)
	n.attrs[AttrMTime] = "0"
	n.partial = true
	return n
}

// WithAttrs sets every attribute in attrs and returns n.
func (n *Node) WithAttrs(attrs map[string]string) *Node {
	for k, v := range attrs {
		n.attrs[k] = v
	}
	return n
}

func (n *Node) Kind() Kind { return n.kind }

// Attr returns the named attribute.
func (n *Node) Attr(name string) (string, bool) {
	v, ok := n.attrs[name]
	return v, ok
}

// SetAttr sets an attribute without raising an event.
func (n *Node) SetAttr(name, value string) {
	n.attrs[name] = value
}

// DelAttr removes an attribute without raising an event.
func (n *Node) DelAttr(name string) {
	delete(n.attrs, name)
}

// Attrs returns a copy of the attribute bag.
func (n *Node) Attrs() map[string]string {
	out := make(map[string]string, len(n.attrs))
	for k, v := range n.attrs {
		out[k] = v
	}
	return out
}

func (n *Node) Type() string     { return n.attrs[AttrType] }
func (n *Node) Checksum() string { return n.attrs[AttrChecksum] }

// MTime returns the last known modification time, 0 when never fetched.
func (n *Node) MTime() int64 {
	v, err := strconv.ParseInt(n.attrs[AttrMTime], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Key returns the node's name within its parent.
func (n *Node) Key() string {
	return n.attrs[AttrKey]
}

// Address returns the node's address. A detached root without an address
// is "/".
func (n *Node) Address() string {
	if a, ok := n.attrs[AttrAddr]; ok && a != "" {
		return a
	}
	if n.parent != nil {
		return address.Join(n.parent.Address(), n.Key())
	}
	return address.Root
}

func (n *Node) Parent() *Node { return n.parent }

// Root returns the top of the tree n belongs to.
func (n *Node) Root() *Node {
	r := n
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Owner returns the owner hook of the root.
func (n *Node) Owner() Owner { return n.Root().owner }

// SetOwner installs the owner hook. Only meaningful on a root.
func (n *Node) SetOwner(o Owner) { n.owner = o }

// Partial reports whether this container's children are unknown.
func (n *Node) Partial() bool { return n.partial }

// SetPartial marks a container as listed (false) or unlisted (true).
func (n *Node) SetPartial(p bool) { n.partial = p }

// Stale reports whether MarkStale has been called since the last merge.
func (n *Node) Stale() bool { return n.stale }

// MarkStale flags a storage node so the next merge accepts the payload even
// when its mtime is not newer.
func (n *Node) MarkStale() { n.stale = true }

func (n *Node) IsContainer() bool { return n.kind != Scalar }
func (n *Node) IsDirectory() bool { return strings.HasPrefix(n.Type(), TypeDirectory) }
func (n *Node) IsFile() bool      { return strings.HasPrefix(n.Type(), FilePrefix) }

// IsStorage reports whether the node persists as a unit on the server.
func (n *Node) IsStorage() bool { return n.IsDirectory() || n.IsFile() }

// IsStub reports whether n is a placeholder with no fetched data.
func (n *Node) IsStub() bool {
	if n.MTime() != 0 {
		return false
	}
	switch n.Type() {
	case "", TypeUnknown, TypeLoading:
		return true
	}
	return false
}

// Storage returns the nearest node, n included, that is a directory or a
// file. It returns nil when no ancestor is one.
func (n *Node) Storage() *Node {
	for s := n; s != nil; s = s.parent {
		if s.IsStorage() {
			return s
		}
	}
	return nil
}

// Value returns a scalar's value.
func (n *Node) Value() string { return n.value }

// SetValue replaces a scalar's value and raises Change when it differs.
func (n *Node) SetValue(v string) error {
	if n.kind != Scalar {
		return fmt.Errorf("set value on %s: %w", n.kind, ErrUnsupported)
	}
	if n.value == v {
		return nil
	}
	prev := n.value
	n.value = v
	n.emit(Event{Kind: EventChange, Value: v, Previous: prev}, true)
	n.touchStorage()
	return nil
}

// Len returns the number of children.
func (n *Node) Len() int {
	switch n.kind {
	case Map:
		return len(n.keys)
	case List:
		return len(n.items)
	}
	return 0
}

// Keys returns the child keys in order. List keys are decimal indexes.
func (n *Node) Keys() []string {
	switch n.kind {
	case Map:
		return append([]string(nil), n.keys...)
	case List:
		out := make([]string, len(n.items))
		for i := range n.items {
			out[i] = strconv.Itoa(i)
		}
		return out
	}
	return nil
}

// Children returns the children in order.
func (n *Node) Children() []*Node {
	switch n.kind {
	case Map:
		out := make([]*Node, len(n.keys))
		for i, k := range n.keys {
			out[i] = n.kids[k]
		}
		return out
	case List:
		return append([]*Node(nil), n.items...)
	}
	return nil
}

// Child returns the child stored under key, or nil.
func (n *Node) Child(key string) *Node {
	switch n.kind {
	case Map:
		return n.kids[key]
	case List:
		i, ok := n.listIndex(key)
		if !ok {
			return nil
		}
		return n.items[i]
	}
	return nil
}

// Index returns the position of key, or -1.
func (n *Node) Index(key string) int {
	switch n.kind {
	case Map:
		for i, k := range n.keys {
			if k == key {
				return i
			}
		}
	case List:
		if i, ok := n.listIndex(key); ok {
			return i
		}
	}
	return -1
}

// Find descends through the given segments.
func (n *Node) Find(segments ...string) *Node {
	cur := n
	for _, s := range segments {
		if cur == nil {
			return nil
		}
		cur = cur.Child(s)
	}
	return cur
}

// Walk visits n and its descendants depth first until fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, c := range n.Children() {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Clone returns a detached deep copy of n without listeners.
func (n *Node) Clone() *Node {
	c := &Node{
		kind:    n.kind,
		attrs:   n.Attrs(),
		value:   n.value,
		partial: n.partial,
	}
	switch n.kind {
	case Map:
		c.keys = append([]string(nil), n.keys...)
		c.kids = make(map[string]*Node, len(n.kids))
		for k, kid := range n.kids {
			cc := kid.Clone()
			cc.parent = c
			c.kids[k] = cc
		}
	case List:
		c.items = make([]*Node, len(n.items))
		for i, kid := range n.items {
			cc := kid.Clone()
			cc.parent = c
			c.items[i] = cc
		}
	}
	return c
}

func (n *Node) listIndex(key string) (int, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(n.items) || strconv.Itoa(i) != key {
		return 0, false
	}
	return i, true
}

// touchStorage flags the enclosing storage node when data beneath it
// changed.
func (n *Node) touchStorage() {
	if n.IsStorage() {
		return
	}
	if s := n.Storage(); s != nil {
		s.stale = true
	}
}
