package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/codec"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// resolve turns a caller's address into a normalized one inside the root.
// Relative addresses are taken from the root.
func (b *Bridge) resolve(addr string) (string, error) {
	return address.Resolve(b.root, b.root, addr)
}

// lookup must be called with the lock held.
func (b *Bridge) lookup(addr string) *node.Node {
	if !address.Within(b.root, addr) {
		return nil
	}
	return b.tree.Find(address.Relative(b.root, addr)...)
}

// contiguous reports whether the listing that would hold addr is cached
// and current, so a single-node result can be attached to it. Must be
// called with the lock held.
func (b *Bridge) contiguous(addr string) bool {
	if addr == b.root {
		return true
	}
	parent := b.lookup(address.Parent(addr))
	if parent == nil || parent.Partial() || parent.IsStub() {
		return false
	}
	known := parent
	if s := parent.Storage(); s != nil {
		known = s
	}
	return known.MTime() > 0
}

// ensure returns the node at addr, creating stubs for it and any missing
// ancestor. Must be called with the lock held.
func (b *Bridge) ensure(addr string) (*node.Node, error) {
	cur := b.tree
	for _, seg := range address.Relative(b.root, addr) {
		next := cur.Child(seg)
		if next == nil {
			if cur.Kind() == node.Scalar {
				return nil, fmt.Errorf("attach under %s: %w", cur.Address(), node.ErrUnsupported)
			}
			stub := node.NewStub("")
			if err := cur.Set(seg, stub); err != nil {
				return nil, err
			}
			next = stub
		}
		cur = next
	}
	return cur, nil
}

// mergeAt merges payload into the node at addr, attaching it when it is not
// cached yet. A non-nil prev positions a newly attached node after that
// sibling. Must be called with the lock held.
func (b *Bridge) mergeAt(addr string, payload *node.Node, prev *string) (*node.Node, error) {
	if !address.Within(b.root, addr) {
		return nil, &address.Error{Addr: addr, Reason: "outside root " + b.root}
	}
	if addr == b.root {
		if b.tree.IsStub() && b.tree.Kind() != payload.Kind() {
			old := b.tree
			b.tree = b.newRoot(payload.Clone())
			b.tree.Supersede(old)
			return b.tree, nil
		}
		b.tree.Merge(payload)
		return b.tree, nil
	}

	parent, err := b.ensure(address.Parent(addr))
	if err != nil {
		return nil, err
	}
	key := address.Name(addr)
	if parent.Child(key) == nil && prev != nil && parent.Kind() == node.Map {
		// A placeholder carrying the hint lets the merge place the node.
		stub := node.New(payload.Kind(), node.TypeLoading)
		stub.SetAttr(node.AttrMTime, "0")
		stub.SetAttr(node.AttrPrev, *prev)
		stub.SetPartial(payload.IsContainer())
		if err := parent.Set(key, stub); err != nil {
			return nil, err
		}
	}
	parent.MergeChild(key, payload)
	if parent.Kind() == node.List {
		if n := parent.Child(key); n != nil {
			return n, nil
		}
		return parent.Child(strconv.Itoa(parent.Len() - 1)), nil
	}
	return parent.Child(key), nil
}

// heal drops the cached node at addr after the server said it does not
// exist. Must be called with the lock held.
func (b *Bridge) heal(addr string) {
	n := b.lookup(addr)
	if n == nil {
		return
	}
	b.log.Debug("removing stale node", zap.String("addr", addr))
	if n == b.tree {
		for _, k := range n.Keys() {
			n.RemoveValue(k)
		}
		n.SetAttr(node.AttrMTime, "0")
		n.SetPartial(true)
		return
	}
	if p := n.Parent(); p != nil {
		p.RemoveValue(n.Key())
	}
}

// applyResponse validates resp and merges its payloads. addr is where a
// result without an address in its meta belongs. Must be called with the
// lock held.
func (b *Bridge) applyResponse(resp *protocol.Response, addr string, prev *string) (*node.Node, bool, error) {
	target := addr
	if m := resp.Head.Meta[protocol.MetaAddr]; m != "" {
		target = address.Normalize(m)
	}
	if err := resp.Err(); err != nil {
		if protocol.IsNotFound(err) {
			b.heal(target)
			return nil, true, nil
		}
		return nil, false, err
	}

	switch resp.Head.Struct {
	case protocol.StructSingle:
		text, err := resp.Text()
		if err != nil {
			return nil, false, err
		}
		if text == "" {
			return b.lookup(target), false, nil
		}
		payload, err := codec.Parse(text)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", target, err)
		}
		n, err := b.mergeAt(target, payload, prev)
		if err != nil {
			return nil, false, err
		}
		b.touchStorage(n, resp.Head.Meta)
		return n, false, nil

	case protocol.StructBranch:
		entries, err := resp.Branch()
		if err != nil {
			return nil, false, err
		}
		addrs := make([]string, 0, len(entries))
		for a := range entries {
			addrs = append(addrs, a)
		}
		// Ancestors first.
		sort.Slice(addrs, func(i, j int) bool {
			di, dj := address.Depth(address.Normalize(addrs[i])), address.Depth(address.Normalize(addrs[j]))
			if di != dj {
				return di < dj
			}
			return addrs[i] < addrs[j]
		})

		var errs []error
		removed := false
		for _, raw := range addrs {
			a := address.Normalize(raw)
			if !address.Within(b.root, a) {
				continue
			}
			var p *string
			if a == target {
				p = prev
			}
			_, rm, err := b.applyResponse(entries[raw], a, p)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", a, err))
				continue
			}
			if rm && a == target {
				removed = true
			}
		}
		return b.lookup(target), removed, errors.Join(errs...)
	}
	return nil, false, fmt.Errorf("unexpected response structure %q", resp.Head.Struct)
}

// touchStorage records the storage mtime the server reported after
// changing data beneath it.
func (b *Bridge) touchStorage(n *node.Node, meta map[string]string) {
	mtime := meta[protocol.MetaMTime]
	if n == nil || mtime == "" {
		return
	}
	if s := n.Storage(); s != nil && s != n {
		s.SetAttr(node.AttrMTime, mtime)
	}
}
