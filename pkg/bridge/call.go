package bridge

import (
	"context"
	"time"

	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// Call is an operation that has been handed to the transport. Its result
// becomes available once Done is closed.
type Call struct {
	ID   string
	Verb string
	Addr string

	started  time.Time
	ended    time.Time
	done     chan struct{}
	callback func(*Call)

	node     *node.Node
	response *protocol.Response
	path     string
	removed  bool
	err      error
}

func newCall(cmd protocol.Command, addr string) *Call {
	return &Call{
		ID:      cmd.ID,
		Verb:    cmd.Verb,
		Addr:    addr,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

// Done is closed when the call has completed and its result was merged.
// The call's node events have been delivered by then unless another
// goroutine was delivering events at the time; that goroutine delivers
// them in order, possibly after Done closes.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call completes or ctx is done. Listeners may still
// be receiving the call's events when Wait returns.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the call's error. It is nil until the call is done.
func (c *Call) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Node returns the cached node the call resolved to, nil if there is none.
// The node belongs to the bridge tree; read it inside Bridge.Mutate.
func (c *Call) Node() *node.Node {
	select {
	case <-c.done:
		return c.node
	default:
		return nil
	}
}

// Removed reports whether the target no longer exists, either because the
// call removed it or because the server said it was gone.
func (c *Call) Removed() bool {
	select {
	case <-c.done:
		return c.removed
	default:
		return false
	}
}

// Response returns the raw envelope, nil for transport failures.
func (c *Call) Response() *protocol.Response {
	select {
	case <-c.done:
		return c.response
	default:
		return nil
	}
}

// Path returns the local file of a completed download.
func (c *Call) Path() string {
	select {
	case <-c.done:
		return c.path
	default:
		return ""
	}
}

// Duration is the time from submission to completion, or until now while
// the call is in flight.
func (c *Call) Duration() time.Duration {
	select {
	case <-c.done:
		return c.ended.Sub(c.started)
	default:
		return time.Since(c.started)
	}
}

// CallOption adjusts a single operation.
type CallOption func(*callOptions)

type callOptions struct {
	callback func(*Call)
	prev     *string
}

// OnComplete registers fn to run after the call completes, on the goroutine
// delivering the bridge's events.
func OnComplete(fn func(*Call)) CallOption {
	return func(o *callOptions) { o.callback = fn }
}

// After positions a created, copied or moved node directly after the
// sibling keyed prev. An empty prev, or one that is gone by the time the
// result is merged, places the node first.
func After(prev string) CallOption {
	return func(o *callOptions) { o.prev = &prev }
}

func collect(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
