// Package bridge keeps a cached hub tree for one root address consistent
// with the server. Operations are turned into hub commands, submitted
// through a Transport, and their results are merged back into the tree,
// which raises node events for listeners.
//
// All tree mutation happens under the bridge lock. Events raised while the
// lock is held are queued and delivered after it is released, in order,
// so listeners may call back into the bridge.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/cache"
	"github.com/fruitsalade/fruitsalade/hub/pkg/client"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

var (
	// ErrClosed is returned by operations on a closed bridge.
	ErrClosed = errors.New("bridge: closed")
	// ErrOccupied is returned when creating, copying or moving onto an
	// address that already holds a node.
	ErrOccupied = errors.New("bridge: address is occupied")
	// ErrNoCache is returned by Download when the bridge has no content
	// cache.
	ErrNoCache = errors.New("bridge: no content cache configured")
)

// Transport submits hub commands. *client.Client implements it.
type Transport interface {
	Submit(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
	SubmitBatch(ctx context.Context, cmds []protocol.Command) (*protocol.Response, error)
	Download(ctx context.Context, addr string) (*client.Content, error)
	Status(ctx context.Context, id, kind string) (protocol.Status, error)
}

// ChangeFeed is implemented by transports that can push server changes.
type ChangeFeed interface {
	Watch(ctx context.Context, root string) (<-chan protocol.Change, <-chan error)
}

var _ Transport = (*client.Client)(nil)
var _ ChangeFeed = (*client.Client)(nil)

// Config configures a Bridge.
type Config struct {
	Root      string
	Transport Transport
	// Cache receives downloaded content. Optional.
	Cache  *cache.Cache
	Logger *zap.Logger
	// RefreshInterval is the shortest pause between auto-refresh rounds.
	RefreshInterval time.Duration
	// ProgressInterval is how often Progress polls the server.
	ProgressInterval time.Duration
}

// Bridge owns the cached tree for one root address.
type Bridge struct {
	root      string
	transport Transport
	cache     *cache.Cache
	log       *zap.Logger
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tree    *node.Node
	closed  bool
	pending map[string]*Call
	refresh *refresher

	// queue holds event deliveries waiting for the lock to be released.
	qmu      sync.Mutex
	queue    []func()
	flushing bool

	lmu       sync.Mutex
	listeners []listener

	fetches singleflight.Group
}

type listener struct {
	id     node.Subscription
	kind   node.EventKind
	verb   string
	onNode node.Handler
	onCall func(*Call)
}

var nextListener atomic.Uint64

var _ node.Listenable = (*Bridge)(nil)
var _ node.Dispatcher = (*Bridge)(nil)

// New creates a bridge for cfg.Root. The tree starts as an unfetched stub.
func New(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("bridge: transport is required")
	}
	if cfg.Root == "" {
		cfg.Root = address.Root
	}
	if err := address.Validate(cfg.Root); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		root:      cfg.Root,
		transport: cfg.Transport,
		cache:     cfg.Cache,
		log:       cfg.Logger.Named("bridge").With(zap.String("root", cfg.Root)),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*Call),
	}
	b.tree = b.newRoot(node.NewStub(""))
	return b, nil
}

func (b *Bridge) newRoot(n *node.Node) *node.Node {
	n.SetAddress(b.root)
	n.DelAttr(node.AttrKey)
	n.SetOwner(b)
	return n
}

// Root returns the root address.
func (b *Bridge) Root() string { return b.root }

// Get returns a detached copy of the cached node at addr, or nil when it
// is not cached.
func (b *Bridge) Get(addr string) (*node.Node, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.lookup(a); n != nil {
		return n.Clone(), nil
	}
	return nil, nil
}

// GetNodeByAddress returns the live cached node at addr, or nil. The node
// must only be modified inside Mutate.
func (b *Bridge) GetNodeByAddress(addr string) *node.Node {
	a, err := b.resolve(addr)
	if err != nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup(a)
}

// GetAndFetch returns the cached copy of addr, possibly nil, and starts a
// fetch that refreshes it.
func (b *Bridge) GetAndFetch(ctx context.Context, addr string, opts ...CallOption) (*node.Node, *Call, error) {
	n, err := b.Get(addr)
	if err != nil {
		return nil, nil, err
	}
	call, err := b.Fetch(ctx, addr, opts...)
	return n, call, err
}

// Mutate runs fn with the tree under the bridge lock. Local changes made by
// fn raise events once the lock is released.
func (b *Bridge) Mutate(fn func(root *node.Node) error) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	err := fn(b.tree)
	b.mu.Unlock()
	b.flush()
	return err
}

// Subscribe registers fn for node events of kind raised anywhere in the
// tree. EventAny receives all of them.
func (b *Bridge) Subscribe(kind node.EventKind, fn node.Handler) node.Subscription {
	return b.addListener(listener{kind: kind, onNode: fn})
}

// On registers fn for completed calls of verb. An empty verb receives
// every verb. Remove and rename calls are not reported here; their node
// events already describe them.
func (b *Bridge) On(verb string, fn func(*Call)) node.Subscription {
	return b.addListener(listener{verb: verb, onCall: fn})
}

func (b *Bridge) addListener(l listener) node.Subscription {
	l.id = node.Subscription(nextListener.Add(1))
	b.lmu.Lock()
	b.listeners = append(b.listeners, l)
	b.lmu.Unlock()
	return l.id
}

// Unsubscribe removes a listener registered with Subscribe or On.
func (b *Bridge) Unsubscribe(sub node.Subscription) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	for i, l := range b.listeners {
		if l.id == sub {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Bridge) snapshot() []listener {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	return append([]listener(nil), b.listeners...)
}

// NodeEvent receives every event raised in the tree after the node's own
// listeners and its ancestors' listeners ran.
func (b *Bridge) NodeEvent(ev node.Event) {
	metrics.RecordNodeEvent(ev.Kind.String())
	if ev.Kind == node.EventRemove && b.cache != nil {
		if n := b.cache.EvictTree(ev.Addr); n > 0 {
			b.log.Debug("evicted cached content", zap.String("addr", ev.Addr), zap.Int("files", n))
		}
	}
	for _, l := range b.snapshot() {
		if l.onNode == nil || (l.kind != node.EventAny && l.kind != ev.Kind) {
			continue
		}
		b.safely(ev.Addr, func() { l.onNode(ev) })
	}
}

func (b *Bridge) emitCall(c *Call) {
	for _, l := range b.snapshot() {
		if l.onCall == nil || (l.verb != "" && l.verb != c.Verb) {
			continue
		}
		b.safely(c.Addr, func() { l.onCall(c) })
	}
}

// safely runs a listener, logging instead of propagating its panic.
func (b *Bridge) safely(addr string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("listener panicked", zap.String("addr", addr), zap.Any("panic", r))
		}
	}()
	fn()
}

// Dispatch queues an event delivery. It is called by the tree while the
// bridge lock is held.
func (b *Bridge) Dispatch(deliver func()) {
	b.qmu.Lock()
	b.queue = append(b.queue, deliver)
	b.qmu.Unlock()
}

// flush delivers queued events. Only one goroutine flushes at a time;
// events queued meanwhile are delivered by that goroutine.
func (b *Bridge) flush() {
	b.qmu.Lock()
	if b.flushing {
		b.qmu.Unlock()
		return
	}
	b.flushing = true
	for len(b.queue) > 0 {
		deliver := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.qmu.Unlock()
		deliver()
		b.qmu.Lock()
	}
	b.flushing = false
	b.qmu.Unlock()
}

// Pending returns the calls that have not completed yet.
func (b *Bridge) Pending() []*Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Call, 0, len(b.pending))
	for _, c := range b.pending {
		out = append(out, c)
	}
	return out
}

// Size returns the number of cached nodes, root included.
func (b *Bridge) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked()
}

func (b *Bridge) countLocked() int {
	count := 0
	b.tree.Walk(func(*node.Node) bool {
		count++
		return true
	})
	return count
}

// Close stops auto-refresh and watches, cancels in-flight calls and waits
// for them to finish.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	r := b.refresh
	b.refresh = nil
	b.mu.Unlock()

	if r != nil {
		r.stop()
	}
	b.cancel()
	b.wg.Wait()
	b.flush()
	return nil
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
