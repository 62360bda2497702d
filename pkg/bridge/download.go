package bridge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// Download fetches the content of the file at addr into the content
// cache. A cached copy whose checksum matches the cached node is reused.
// While bytes arrive the node raises status events; the local path is
// available from Call.Path once the call is done.
func (b *Bridge) Download(ctx context.Context, addr string, opts ...CallOption) (*Call, error) {
	if b.cache == nil {
		return nil, ErrNoCache
	}
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	o := collect(opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	checksum := ""
	if n := b.lookup(a); n != nil {
		if n.IsContainer() && !n.IsStub() && !n.IsFile() {
			b.mu.Unlock()
			return nil, fmt.Errorf("download %s: %w", a, node.ErrUnsupported)
		}
		checksum = n.Checksum()
	}
	cmd := protocol.NewCommand(protocol.VerbDownload, map[string]string{protocol.ParamTarget: a})
	call := newCall(cmd, a)
	call.callback = o.callback
	b.track(call)
	b.wg.Add(1)
	b.mu.Unlock()

	dl := &op{call: call, cmd: cmd, event: true}
	go func() {
		defer b.wg.Done()
		ctx, cancel := b.callContext(ctx)
		defer cancel()
		path, n, err := b.download(ctx, a, checksum)
		b.finish(dl, func(c *Call) { c.path = path }, err)
		metrics.RecordContentDownload(n, err == nil)
	}()
	return call, nil
}

// download streams addr into the cache and returns the local path and the
// number of bytes transferred.
func (b *Bridge) download(ctx context.Context, addr, checksum string) (string, int64, error) {
	if checksum != "" {
		if path, ok := b.cache.Get(addr, checksum); ok {
			b.status(addr, node.Status{State: protocol.StateDone, Percent: 100})
			return path, 0, nil
		}
	}

	content, err := b.transport.Download(ctx, addr)
	if err != nil {
		b.status(addr, node.Status{State: protocol.StateError})
		return "", 0, err
	}
	defer content.Close()
	if content.Checksum != "" {
		checksum = content.Checksum
	}

	b.status(addr, node.Status{State: protocol.StateStarting, Size: content.Size})
	var transferred int64
	lastPercent := -1
	path, err := b.cache.Put(addr, checksum, content, content.Size, func(written int64) {
		transferred = written
		st := progressStatus(protocol.StateDownloading, content.Size, written)
		if st.Percent != lastPercent || content.Size < 0 {
			lastPercent = st.Percent
			b.status(addr, st)
		}
	})
	if err != nil {
		b.status(addr, node.Status{State: protocol.StateError, Size: content.Size, Transferred: transferred})
		return "", transferred, fmt.Errorf("download %s: %w", addr, err)
	}
	b.status(addr, progressStatus(protocol.StateDone, transferred, transferred))
	b.log.Debug("downloaded content",
		zap.String("addr", addr),
		zap.Int64("bytes", transferred),
		zap.String("path", path))
	return path, transferred, nil
}

func progressStatus(state string, size, transferred int64) node.Status {
	st := protocol.Status{State: state, Size: size, Received: transferred}
	return node.Status{
		State:       state,
		Size:        size,
		Transferred: transferred,
		Percent:     st.Percent(),
	}
}

// status raises a status event on the cached node at addr, if any.
func (b *Bridge) status(addr string, st node.Status) {
	b.mu.Lock()
	if n := b.lookup(addr); n != nil && !b.closed {
		st.Addr = addr
		n.EmitStatus(st)
	}
	b.mu.Unlock()
	b.flush()
}

// finish completes a call that does not merge a response.
func (b *Bridge) finish(o *op, set func(*Call), err error) {
	c := o.call
	b.mu.Lock()
	if err == nil && set != nil {
		set(c)
	}
	c.err = err
	b.untrack(c)
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

// Progress follows the server-side transfer id of the given kind
// concerning addr, raising a status event on the cached node after every
// poll. The call completes when the transfer is done and fails when the
// server reports a failure.
func (b *Bridge) Progress(ctx context.Context, addr, id, kind string, opts ...CallOption) (*Call, error) {
	a, err := b.resolve(addr)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("progress %s: empty transfer id", a)
	}
	o := collect(opts)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	cmd := protocol.NewCommand(protocol.VerbStatus, map[string]string{
		protocol.ParamTarget: a,
		protocol.ParamID:     id,
		protocol.ParamKind:   kind,
	})
	call := newCall(cmd, a)
	call.callback = o.callback
	b.track(call)
	b.wg.Add(1)
	b.mu.Unlock()

	p := &op{call: call, cmd: cmd}
	go func() {
		defer b.wg.Done()
		ctx, cancel := b.callContext(ctx)
		defer cancel()
		b.finish(p, nil, b.poll(ctx, a, id, kind))
	}()
	return call, nil
}

func (b *Bridge) poll(ctx context.Context, addr, id, kind string) error {
	ticker := time.NewTicker(b.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		st, err := b.transport.Status(ctx, id, kind)
		if err != nil {
			return err
		}
		b.status(addr, progressStatus(st.State, st.Size, st.Received))
		switch {
		case st.Failed():
			return fmt.Errorf("%s %s of %s failed", kind, id, addr)
		case st.Finished():
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
