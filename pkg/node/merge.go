package node

import (
	"slices"
	"strconv"
)

// Merge reconciles n with a payload freshly decoded from the server. The
// payload is not retained; children are cloned out of it.
//
// Merging the same payload twice is a no-op for listeners the second time.
func (n *Node) Merge(src *Node) {
	if src == nil {
		return
	}
	n.merge(src)
}

func (n *Node) merge(src *Node) bool {
	updated := map[string]string{}
	var change *Event

	if n.accepts(src) {
		if n.kind == Scalar && src.kind == Scalar && n.value != src.value {
			change = &Event{Kind: EventChange, Value: src.value, Previous: n.value}
			n.value = src.value
		}
		for k := range n.attrs {
			if localAttrs[k] {
				continue
			}
			if _, ok := src.attrs[k]; !ok {
				delete(n.attrs, k)
			}
		}
		for k, v := range src.attrs {
			if localAttrs[k] {
				continue
			}
			if cur, ok := n.attrs[k]; !ok || cur != v {
				n.attrs[k] = v
				updated[k] = v
			}
		}
		n.stale = false
	} else if sm := src.MTime(); sm > n.MTime() {
		// Same content under a newer mtime.
		v := src.attrs[AttrMTime]
		n.attrs[AttrMTime] = v
		updated[AttrMTime] = v
	}

	if prev, ok := n.attrs[AttrPrev]; ok && n.parent != nil {
		if p := n.parent; p.kind == Map {
			key := n.Key()
			before := p.Index(key)
			p.move(key, p.positionAfter(prev))
			if after := p.Index(key); after != before {
				updated[UpdatedIndex] = strconv.Itoa(after)
			}
		}
		delete(n.attrs, AttrPrev)
	}

	if change != nil {
		n.emit(*change, true)
	}
	if len(updated) > 0 {
		n.emit(Event{Kind: EventUpdate, Updated: updated}, true)
	}

	changed := change != nil || len(updated) > 0
	if n.kind != Scalar && n.kind == src.kind && !src.partial {
		if n.mergeChildren(src) {
			changed = true
		}
		n.partial = false
		if n.IsStorage() {
			// The payload was a complete picture of this storage node.
			n.stale = false
		}
	}
	if changed {
		n.touchStorage()
	}
	return changed
}

// accepts decides whether the payload carries new content for n itself.
// Checksums present on both sides are authoritative. Otherwise a fetched
// node only takes a payload whose mtime is newer. A rejected payload may
// still advance the mtime, see merge.
func (n *Node) accepts(src *Node) bool {
	if n.stale {
		return true
	}
	if lc, rc := n.Checksum(), src.Checksum(); lc != "" && rc != "" {
		return lc != rc
	}
	if lm := n.MTime(); lm > 0 {
		return src.MTime() > lm
	}
	return true
}

// mergeChildren diffs the children of a complete container payload.
func (n *Node) mergeChildren(src *Node) bool {
	changed := false
	switch n.kind {
	case Map:
		for _, k := range slices.Clone(n.keys) {
			if _, ok := src.kids[k]; !ok {
				n.RemoveValue(k)
				changed = true
			}
		}
		for i, k := range src.keys {
			if n.mergeChildAt(k, src.kids[k], i) {
				changed = true
			}
		}
		if len(n.keys) == len(src.keys) && !slices.Equal(n.keys, src.keys) {
			n.keys = append(n.keys[:0], src.keys...)
			n.emit(Event{Kind: EventUpdate, Updated: map[string]string{UpdatedOrder: "true"}}, true)
			changed = true
		}
	case List:
		for len(n.items) > len(src.items) {
			n.RemoveValue(strconv.Itoa(len(n.items) - 1))
			changed = true
		}
		for i, s := range src.items {
			if n.mergeChildAt(strconv.Itoa(i), s, i) {
				changed = true
			}
		}
	}
	return changed
}

// MergeChild merges a payload for a single child without touching its
// siblings. A missing child is created at the end.
func (n *Node) MergeChild(key string, src *Node) bool {
	return n.mergeChildAt(key, src, n.Len())
}

// mergeChildAt merges src into the child under key, creating it at index
// when missing.
func (n *Node) mergeChildAt(key string, src *Node, index int) bool {
	cur := n.Child(key)
	if cur == nil {
		child := src.Clone()
		if err := n.insertAt(index, key, child); err != nil {
			return false
		}
		child.emit(Event{Kind: EventCreate}, true)
		return true
	}

	if cur.IsStub() {
		if cur.kind == src.kind {
			return cur.merge(src)
		}
		child := src.Clone()
		child.handlers = cur.handlers
		cur.handlers = nil
		n.Replace(key, child)
		return true
	}

	if n.IsDirectory() && cur.Type() != src.Type() {
		// Types never mutate in place inside a directory.
		at := n.Index(key)
		old, err := n.detach(key)
		if err != nil {
			return false
		}
		n.emitRemoved(old)
		child := src.Clone()
		if err := n.insertAt(at, key, child); err != nil {
			return true
		}
		child.emit(Event{Kind: EventCreate, TypeChanged: true}, true)
		return true
	}

	if cur.kind != src.kind {
		n.Replace(key, src.Clone())
		return true
	}
	return cur.merge(src)
}
