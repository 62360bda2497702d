package bridge

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/codec"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// op is one prepared command together with the way its result is merged.
type op struct {
	call *Call
	cmd  protocol.Command
	// branchAddr is the address whose listing decides the branch flag; it
	// is empty for verbs that never branch.
	branchAddr string
	contiguous bool
	// event raises the verb on the bridge once the call succeeds.
	event bool
	apply func(resp *protocol.Response) (*node.Node, bool, error)
}

func (b *Bridge) newOp(verb, addr string, params map[string]string, opts callOptions) *op {
	cmd := protocol.NewCommand(verb, params)
	cmd.Params[protocol.ParamTarget] = addr
	call := newCall(cmd, addr)
	call.callback = opts.callback
	return &op{call: call, cmd: cmd, event: true}
}

// branchOn marks o as branch-eligible for addr. Must be called with the
// lock held.
func (o *op) branchOn(b *Bridge, addr string) {
	o.branchAddr = addr
	o.contiguous = b.contiguous(addr)
}

// do prepares one op under the lock and submits it.
func (b *Bridge) do(ctx context.Context, prepare func() (*op, error)) (*Call, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	o, err := prepare()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if o.branchAddr != "" && !o.contiguous {
		o.cmd.SetBranch(true)
	}
	b.track(o.call)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		ctx, cancel := b.callContext(ctx)
		defer cancel()
		resp, err := b.send(ctx, o.cmd)
		b.complete(ctx, o, resp, err)
	}()
	return o.call, nil
}

// callContext ends when either ctx or the bridge is done.
func (b *Bridge) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// send submits cmd. Identical fetches in flight share one request.
func (b *Bridge) send(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	if cmd.Verb != protocol.VerbFetch {
		return b.transport.Submit(ctx, cmd)
	}
	key := cmd.Target()
	if cmd.Branch() {
		key += "?branch"
	}
	ch := b.fetches.DoChan(key, func() (any, error) {
		return b.transport.Submit(b.ctx, cmd)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*protocol.Response), nil
	}
}

// complete merges a result and reports the call. A response that arrives
// after ctx was cancelled is dropped without merging.
func (b *Bridge) complete(ctx context.Context, o *op, resp *protocol.Response, err error) {
	c := o.call
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	b.mu.Lock()
	if err == nil {
		if b.closed {
			err = ErrClosed
		} else {
			c.response = resp
			c.node, c.removed, err = o.apply(resp)
		}
	}
	c.err = err
	b.untrack(c)
	if err == nil {
		metrics.SetCachedNodes(b.root, b.countLocked())
	}
	b.mu.Unlock()

	c.ended = time.Now()
	metrics.RecordCommand(c.Verb, c.ended.Sub(c.started), err == nil)
	if err != nil {
		b.log.Debug("call failed", zap.String("verb", c.Verb), zap.String("addr", c.Addr), zap.Error(err))
	}

	b.flush()
	close(c.done)
	b.report(o)
}

// report raises the verb event and runs the callback of a completed op.
func (b *Bridge) report(o *op) {
	c := o.call
	if c.err == nil && o.event {
		b.Dispatch(func() { b.emitCall(c) })
	}
	if c.callback != nil {
		b.Dispatch(func() { b.safely(c.Addr, func() { c.callback(c) }) })
	}
	b.flush()
}

// track must be called with the lock held.
func (b *Bridge) track(c *Call) {
	b.pending[c.ID] = c
	metrics.SetCommandsPending(len(b.pending))
}

// untrack must be called with the lock held.
func (b *Bridge) untrack(c *Call) {
	delete(b.pending, c.ID)
	metrics.SetCommandsPending(len(b.pending))
}

// mergeResult is the apply step of verbs whose result is the node at addr.
func (b *Bridge) mergeResult(addr string, prev *string) func(*protocol.Response) (*node.Node, bool, error) {
	return func(resp *protocol.Response) (*node.Node, bool, error) {
		return b.applyResponse(resp, addr, prev)
	}
}

// occupied reports whether a real node is cached at addr. Must be called
// with the lock held.
func (b *Bridge) occupied(addr string) bool {
	n := b.lookup(addr)
	return n != nil && !n.IsStub()
}

// storageMTime returns the precondition mtime for writing to n.
func storageMTime(n *node.Node) (string, bool) {
	if n == nil {
		return "", false
	}
	s := n.Storage()
	if s == nil {
		s = n
	}
	if m := s.MTime(); m > 0 {
		return strconv.FormatInt(m, 10), true
	}
	return "", false
}

// Fetch asks the server for the node at addr and merges the result.
func (b *Bridge) Fetch(ctx context.Context, addr string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opFetch(addr, collect(opts)) })
}

func (b *Bridge) opFetch(addr string, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	o := b.newOp(protocol.VerbFetch, a, nil, opts)
	o.branchOn(b, a)
	o.apply = b.mergeResult(a, nil)
	return o, nil
}

// Store replaces the node at addr with value. The cached node's storage
// mtime and its current text are sent so the server can refuse a write
// based on an outdated copy.
func (b *Bridge) Store(ctx context.Context, addr string, value *node.Node, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opStore(addr, value, collect(opts)) })
}

func (b *Bridge) opStore(addr string, value *node.Node, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("store %s: nil value", a)
	}
	params := map[string]string{protocol.ParamValue: codec.Format(value)}
	if cur := b.lookup(a); cur != nil {
		params[protocol.ParamOrig] = codec.Format(cur)
		if m, ok := storageMTime(cur); ok {
			params[protocol.ParamMTime] = m
		}
	}
	o := b.newOp(protocol.VerbStore, a, params, opts)
	o.branchOn(b, a)
	o.apply = b.mergeResult(a, nil)
	return o, nil
}

// Update sets the value of the scalar at addr.
func (b *Bridge) Update(ctx context.Context, addr, value string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opUpdate(addr, value, collect(opts)) })
}

func (b *Bridge) opUpdate(addr, value string, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	params := map[string]string{protocol.ParamValue: value}
	if cur := b.lookup(a); cur != nil {
		if cur.Kind() != node.Scalar {
			return nil, fmt.Errorf("update %s: %w", a, node.ErrUnsupported)
		}
		params[protocol.ParamOrig] = cur.Value()
		if m, ok := storageMTime(cur); ok {
			params[protocol.ParamMTime] = m
		}
	}
	o := b.newOp(protocol.VerbUpdate, a, params, opts)
	o.branchOn(b, a)
	o.apply = b.mergeResult(a, nil)
	return o, nil
}

// Create asks the server for a new child name of type typ under parent.
func (b *Bridge) Create(ctx context.Context, parent, name, typ string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opCreate(parent, name, typ, collect(opts)) })
}

func (b *Bridge) opCreate(parent, name, typ string, opts callOptions) (*op, error) {
	p, err := b.resolve(parent)
	if err != nil {
		return nil, err
	}
	if !address.ValidKey(name) {
		return nil, &address.Error{Addr: address.Join(p, name), Reason: "invalid name"}
	}
	a := address.Join(p, name)
	if b.occupied(a) {
		return nil, fmt.Errorf("create %s: %w", a, ErrOccupied)
	}
	if pn := b.lookup(p); pn != nil && pn.Kind() == node.Scalar {
		return nil, fmt.Errorf("create in %s: %w", p, node.ErrUnsupported)
	}
	params := map[string]string{
		protocol.ParamName: name,
		protocol.ParamType: typ,
	}
	if opts.prev != nil {
		params[protocol.ParamPrev] = *opts.prev
	}
	o := b.newOp(protocol.VerbCreate, p, params, opts)
	o.call.Addr = a
	o.branchOn(b, a)
	o.apply = b.mergeResult(a, opts.prev)
	return o, nil
}

// Insert adds value to the list at addr at index. A negative index
// appends.
func (b *Bridge) Insert(ctx context.Context, addr string, index int, value *node.Node, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opInsert(addr, index, value, collect(opts)) })
}

func (b *Bridge) opInsert(addr string, index int, value *node.Node, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("insert into %s: nil value", a)
	}
	cur := b.lookup(a)
	if cur != nil && cur.Kind() != node.List && !cur.IsStub() {
		return nil, fmt.Errorf("insert into %s: %w", a, node.ErrUnsupported)
	}
	params := map[string]string{
		protocol.ParamIndex: strconv.Itoa(index),
		protocol.ParamValue: codec.Format(value),
	}
	if m, ok := storageMTime(cur); ok {
		params[protocol.ParamMTime] = m
	}
	o := b.newOp(protocol.VerbInsert, a, params, opts)
	o.branchOn(b, a)
	item := value.Clone()
	o.apply = func(resp *protocol.Response) (*node.Node, bool, error) {
		if resp.Err() == nil {
			// Place the item first so listeners see a create at its
			// index; the listing merge below then finds nothing to do.
			if list := b.lookup(a); list != nil && list.Kind() == node.List && !list.Partial() {
				at := index
				if at < 0 || at > list.Len() {
					at = list.Len()
				}
				list.InsertAt(at, "", item)
			}
		}
		return b.applyResponse(resp, a, nil)
	}
	return o, nil
}

// Remove deletes the node at addr on the server and from the cache.
func (b *Bridge) Remove(ctx context.Context, addr string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opRemove(addr, collect(opts)) })
}

func (b *Bridge) opRemove(addr string, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	if a == b.root {
		return nil, &address.Error{Addr: a, Reason: "cannot remove the root"}
	}
	o := b.newOp(protocol.VerbRemove, a, nil, opts)
	o.event = false
	o.apply = func(resp *protocol.Response) (*node.Node, bool, error) {
		if err := resp.Err(); err != nil && !protocol.IsNotFound(err) {
			return nil, false, err
		}
		b.heal(a)
		return nil, true, nil
	}
	return o, nil
}

// Rename gives the node at addr a new name within its parent. The node
// keeps its position.
func (b *Bridge) Rename(ctx context.Context, addr, name string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opRename(addr, name, collect(opts)) })
}

func (b *Bridge) opRename(addr, name string, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	if a == b.root {
		return nil, &address.Error{Addr: a, Reason: "cannot rename the root"}
	}
	if !address.ValidKey(name) {
		return nil, &address.Error{Addr: address.Join(address.Parent(a), name), Reason: "invalid name"}
	}
	dest := address.Join(address.Parent(a), name)
	if dest != a && b.occupied(dest) {
		return nil, fmt.Errorf("rename %s to %s: %w", a, name, ErrOccupied)
	}
	if p := b.lookup(address.Parent(a)); p != nil && p.Kind() != node.Map {
		return nil, fmt.Errorf("rename in %s: %w", p.Address(), node.ErrUnsupported)
	}
	o := b.newOp(protocol.VerbRename, a, map[string]string{protocol.ParamName: name}, opts)
	o.event = false
	o.apply = func(resp *protocol.Response) (*node.Node, bool, error) {
		if err := resp.Err(); err != nil {
			if protocol.IsNotFound(err) {
				b.heal(a)
				return nil, true, nil
			}
			return nil, false, err
		}
		if p := b.lookup(address.Parent(a)); p != nil && p.Child(address.Name(a)) != nil {
			if err := p.RenameChild(address.Name(a), name); err != nil {
				return nil, false, err
			}
		}
		return b.applyResponse(resp, dest, nil)
	}
	return o, nil
}

// Copy duplicates the node at src to dest on the server and merges the
// copy.
func (b *Bridge) Copy(ctx context.Context, src, dest string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opTransfer(protocol.VerbCopy, src, dest, collect(opts)) })
}

// Move relocates the node at src to dest.
func (b *Bridge) Move(ctx context.Context, src, dest string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opTransfer(protocol.VerbMove, src, dest, collect(opts)) })
}

func (b *Bridge) opTransfer(verb, src, dest string, opts callOptions) (*op, error) {
	s, err := b.resolve(src)
	if err != nil {
		return nil, err
	}
	d, err := b.resolve(dest)
	if err != nil {
		return nil, err
	}
	if d == b.root || address.Within(s, d) {
		return nil, &address.Error{Addr: d, Reason: verb + " destination inside " + s}
	}
	if verb == protocol.VerbMove && s == b.root {
		return nil, &address.Error{Addr: s, Reason: "cannot move the root"}
	}
	if b.occupied(d) {
		return nil, fmt.Errorf("%s to %s: %w", verb, d, ErrOccupied)
	}
	params := map[string]string{protocol.ParamDest: d}
	if opts.prev != nil {
		params[protocol.ParamPrev] = *opts.prev
	}
	o := b.newOp(verb, s, params, opts)
	o.call.Addr = d
	o.branchOn(b, d)
	o.apply = func(resp *protocol.Response) (*node.Node, bool, error) {
		if err := resp.Err(); err != nil {
			if protocol.IsNotFound(err) {
				b.heal(s)
				return nil, true, nil
			}
			return nil, false, err
		}
		if verb == protocol.VerbMove {
			b.heal(s)
		}
		return b.applyResponse(resp, d, opts.prev)
	}
	return o, nil
}

// Reorder sets the child order of the container at addr. order must be a
// permutation of its current keys.
func (b *Bridge) Reorder(ctx context.Context, addr string, order []string, opts ...CallOption) (*Call, error) {
	return b.do(ctx, func() (*op, error) { return b.opReorder(addr, order, collect(opts)) })
}

func (b *Bridge) opReorder(addr string, order []string, opts callOptions) (*op, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	if cur := b.lookup(a); cur != nil {
		if cur.Kind() == node.Scalar {
			return nil, fmt.Errorf("reorder %s: %w", a, node.ErrUnsupported)
		}
		if !cur.Partial() {
			// Validate on a detached copy; the cache changes only once the
			// server agreed.
			if err := cur.Clone().SortByKey(order); err != nil {
				return nil, err
			}
		}
	}
	keys := append([]string(nil), order...)
	o := b.newOp(protocol.VerbReorder, a, map[string]string{protocol.ParamOrder: protocol.JoinOrder(keys)}, opts)
	o.apply = func(resp *protocol.Response) (*node.Node, bool, error) {
		if resp.Err() == nil {
			if cur := b.lookup(a); cur != nil && !cur.Partial() {
				if err := cur.SortByKey(keys); err != nil {
					b.log.Debug("local reorder skipped", zap.String("addr", a), zap.Error(err))
				}
			}
		}
		return b.applyResponse(resp, a, nil)
	}
	return o, nil
}
