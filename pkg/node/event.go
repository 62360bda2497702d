package node

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventKind identifies what happened to a node.
type EventKind uint8

const (
	// EventAny subscribes to every kind.
	EventAny EventKind = iota
	EventCreate
	EventRemove
	EventUpdate
	EventReplace
	EventChange
	EventStatus
)

var eventNames = [...]string{"any", "create", "remove", "update", "replace", "change", "status"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// ParseEventKind maps a name such as "update" to its kind.
func ParseEventKind(s string) (EventKind, bool) {
	for i, name := range eventNames {
		if name == s {
			return EventKind(i), true
		}
	}
	return EventAny, false
}

// Reserved keys of Event.Updated.
const (
	UpdatedKey   = "key"
	UpdatedAddr  = "addr"
	UpdatedIndex = "index"
	UpdatedOrder = "order"
)

// Status describes transfer progress.
type Status struct {
	Addr        string
	State       string
	Size        int64
	Transferred int64
	Percent     int
}

// Event is delivered to listeners. Node is the node the event happened to;
// Current is the node whose listener is running, which differs from Node
// while the event bubbles through ancestors.
type Event struct {
	Kind    EventKind
	Node    *Node
	Current *Node
	Addr    string

	// Updated names the attributes or structure that changed (EventUpdate).
	Updated map[string]string
	// Value and Previous carry a scalar change (EventChange).
	Value    string
	Previous string
	// Replaced is the node that was swapped out (EventReplace).
	Replaced *Node
	// TypeChanged marks a create that recreated a node whose type changed.
	TypeChanged bool
	Status      *Status
}

// Has reports whether Updated names key.
func (e Event) Has(key string) bool {
	_, ok := e.Updated[key]
	return ok
}

// Handler receives events.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription uint64

var nextSubscription atomic.Uint64

type handler struct {
	id   Subscription
	kind EventKind
	fn   Handler
}

// Listenable is the listener registration capability shared by nodes and
// bridges.
type Listenable interface {
	Subscribe(kind EventKind, fn Handler) Subscription
	Unsubscribe(sub Subscription)
}

// Owner is notified of every event raised anywhere in the tree it owns,
// after the node's own and its ancestors' listeners.
type Owner interface {
	NodeEvent(Event)
}

// Dispatcher lets an owner defer delivery, for example until a lock has
// been released. Owners that do not implement it get synchronous delivery.
type Dispatcher interface {
	Dispatch(deliver func())
}

// Subscribe registers fn for events of kind raised on n or bubbling up
// through n.
func (n *Node) Subscribe(kind EventKind, fn Handler) Subscription {
	id := Subscription(nextSubscription.Add(1))
	n.handlers = append(n.handlers, handler{id: id, kind: kind, fn: fn})
	return id
}

// Unsubscribe removes a handler registered on n.
func (n *Node) Unsubscribe(sub Subscription) {
	for i, h := range n.handlers {
		if h.id == sub {
			n.handlers = append(n.handlers[:i:i], n.handlers[i+1:]...)
			return
		}
	}
}

// lineage returns n followed by each of its ancestors up to the root.
func (n *Node) lineage() []*Node {
	var out []*Node
	for c := n; c != nil; c = c.parent {
		out = append(out, c)
	}
	return out
}

// emit raises ev on n. Bubbling events also reach every ancestor.
func (n *Node) emit(ev Event, bubble bool) {
	emitLineage(n.lineage(), ev, bubble)
}

type delivery struct {
	node     *Node
	handlers []handler
}

// emitLineage delivers ev along a lineage captured by the caller, which
// lets a node that has just been detached still reach its former
// ancestors.
func emitLineage(line []*Node, ev Event, bubble bool) {
	if len(line) == 0 {
		return
	}
	target := line[0]
	ev.Node = target
	if ev.Addr == "" {
		ev.Addr = target.Address()
	}
	reach := line
	if !bubble {
		reach = line[:1]
	}
	// Handlers are captured now so that listeners added or removed while
	// the event is pending do not change who receives it.
	plan := make([]delivery, 0, len(reach))
	for _, c := range reach {
		if len(c.handlers) == 0 {
			continue
		}
		plan = append(plan, delivery{node: c, handlers: append([]handler(nil), c.handlers...)})
	}
	owner := line[len(line)-1].owner

	deliver := func() {
		for _, d := range plan {
			e := ev
			e.Current = d.node
			for _, h := range d.handlers {
				if h.kind == EventAny || h.kind == e.Kind {
					invoke(h.fn, e)
				}
			}
		}
		if owner != nil {
			e := ev
			e.Current = nil
			owner.NodeEvent(e)
		}
	}
	if d, ok := owner.(Dispatcher); ok {
		d.Dispatch(deliver)
		return
	}
	deliver()
}

// invoke runs one listener, isolating the rest of the delivery from its
// panics.
func invoke(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("node listener panicked",
				zap.String("event", ev.Kind.String()),
				zap.String("addr", ev.Addr),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Supersede makes n stand in for old, a detached node of another variant:
// the handlers registered on old move to n and n raises Replace.
func (n *Node) Supersede(old *Node) {
	n.handlers = append(n.handlers, old.handlers...)
	old.handlers = nil
	n.emit(Event{Kind: EventReplace, Replaced: old}, true)
}

// EmitStatus raises a non-bubbling status event on n.
func (n *Node) EmitStatus(st Status) {
	if st.Addr == "" {
		st.Addr = n.Address()
	}
	n.emit(Event{Kind: EventStatus, Status: &st}, false)
}
