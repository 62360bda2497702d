package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// Batch collects operations that are submitted to the server as a single
// request. Each operation gets its own Call, completed when the batch
// result arrives.
type Batch struct {
	b   *Bridge
	ops []*op
	err error
}

// NewBatch starts an empty batch.
func (b *Bridge) NewBatch() *Batch {
	return &Batch{b: b}
}

// Len returns the number of queued operations.
func (bt *Batch) Len() int { return len(bt.ops) }

func (bt *Batch) add(prepare func() (*op, error)) *Call {
	if bt.err != nil {
		return nil
	}
	bt.b.mu.Lock()
	o, err := prepare()
	bt.b.mu.Unlock()
	if err != nil {
		bt.err = err
		return nil
	}
	bt.ops = append(bt.ops, o)
	return o.call
}

func (bt *Batch) Fetch(addr string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opFetch(addr, collect(opts)) })
}

func (bt *Batch) Store(addr string, value *node.Node, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opStore(addr, value, collect(opts)) })
}

func (bt *Batch) Update(addr, value string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opUpdate(addr, value, collect(opts)) })
}

func (bt *Batch) Create(parent, name, typ string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opCreate(parent, name, typ, collect(opts)) })
}

func (bt *Batch) Insert(addr string, index int, value *node.Node, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opInsert(addr, index, value, collect(opts)) })
}

func (bt *Batch) Remove(addr string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opRemove(addr, collect(opts)) })
}

func (bt *Batch) Rename(addr, name string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opRename(addr, name, collect(opts)) })
}

func (bt *Batch) Copy(src, dest string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opTransfer(protocol.VerbCopy, src, dest, collect(opts)) })
}

func (bt *Batch) Move(src, dest string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opTransfer(protocol.VerbMove, src, dest, collect(opts)) })
}

func (bt *Batch) Reorder(addr string, order []string, opts ...CallOption) *Call {
	return bt.add(func() (*op, error) { return bt.b.opReorder(addr, order, collect(opts)) })
}

// Submit sends the queued operations. The first error met while queueing
// is returned without sending anything. The returned call completes after
// every operation's call did; its error only reports a failed request, the
// outcome of each operation is on its own call.
func (bt *Batch) Submit(ctx context.Context) (*Call, error) {
	if bt.err != nil {
		return nil, bt.err
	}
	if len(bt.ops) == 0 {
		return nil, errors.New("bridge: empty batch")
	}
	b := bt.b
	ops := bt.ops
	bt.ops = nil

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	// One branch per listing is enough; the rest of the batch reuses it.
	branched := map[string]bool{}
	cmds := make([]protocol.Command, len(ops))
	for i, o := range ops {
		if o.branchAddr != "" && !o.contiguous {
			p := address.Parent(o.branchAddr)
			if !branched[p] {
				o.cmd.SetBranch(true)
				branched[p] = true
			}
		}
		cmds[i] = o.cmd
		b.track(o.call)
	}
	batchCmd := protocol.NewCommand(protocol.VerbBatch, nil)
	whole := newCall(batchCmd, b.root)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := b.callContext(ctx)
		defer cancel()

		resp, err := b.transport.SubmitBatch(ctx, cmds)
		var subs []*protocol.Response
		if err == nil {
			if err = resp.Err(); err == nil {
				subs, err = resp.Batch()
			}
		}
		if err == nil && len(subs) != len(ops) {
			err = fmt.Errorf("batch: %d results for %d commands", len(subs), len(ops))
		}
		for i, o := range ops {
			if err != nil {
				b.complete(ctx, o, nil, err)
				continue
			}
			b.complete(ctx, o, subs[i], nil)
		}

		whole.response = resp
		whole.err = err
		whole.ended = time.Now()
		metrics.RecordCommand(protocol.VerbBatch, whole.ended.Sub(whole.started), err == nil)
		close(whole.done)
	}()
	return whole, nil
}
