package bridge

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/node"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// ErrNoChangeFeed is returned by Watch when the transport cannot push
// changes.
var ErrNoChangeFeed = errors.New("bridge: transport has no change feed")

type refresher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *refresher) stop() {
	r.cancel()
	<-r.done
}

// StartAutoRefresh periodically re-fetches every fetched directory and file
// in the tree. Rounds are spaced by the configured refresh interval, or by
// the duration of the previous round when that took longer. Calling it
// while auto-refresh runs does nothing.
func (b *Bridge) StartAutoRefresh() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.refresh != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(b.ctx)
	r := &refresher{cancel: cancel, done: make(chan struct{})}
	b.refresh = r
	go b.refreshLoop(ctx, r)
	b.log.Info("auto-refresh enabled", zap.Duration("interval", b.cfg.RefreshInterval))
	return nil
}

// StopAutoRefresh stops auto-refresh and waits for a running round.
func (b *Bridge) StopAutoRefresh() {
	b.mu.Lock()
	r := b.refresh
	b.refresh = nil
	b.mu.Unlock()
	if r != nil {
		r.stop()
		b.log.Info("auto-refresh disabled")
	}
}

func (b *Bridge) refreshLoop(ctx context.Context, r *refresher) {
	defer close(r.done)
	for {
		start := time.Now()
		if err := b.refreshRound(ctx); err != nil && ctx.Err() == nil {
			b.log.Warn("refresh round failed", zap.Error(err))
		}
		elapsed := time.Since(start)
		wait := b.cfg.RefreshInterval
		if elapsed > wait {
			wait = elapsed
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// refreshRound fetches the current refresh targets in one batch and waits
// for it.
func (b *Bridge) refreshRound(ctx context.Context) error {
	b.mu.Lock()
	targets := b.refreshTargets()
	b.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	start := time.Now()
	bt := b.NewBatch()
	for _, a := range targets {
		bt.Fetch(a)
	}
	call, err := bt.Submit(ctx)
	if err != nil {
		return err
	}
	err = call.Wait(ctx)
	metrics.RecordRefreshRound(time.Since(start))
	b.log.Debug("refresh round done",
		zap.Int("targets", len(targets)),
		zap.Duration("took", time.Since(start)))
	return err
}

// refreshTargets lists fetched storage nodes, descending only through
// directories. Must be called with the lock held.
func (b *Bridge) refreshTargets() []string {
	var out []string
	var visit func(n *node.Node, top bool)
	visit = func(n *node.Node, top bool) {
		if n.IsStub() {
			return
		}
		if n.IsStorage() && n.MTime() > 0 {
			out = append(out, n.Address())
		}
		if !top && !n.IsDirectory() {
			return
		}
		for _, c := range n.Children() {
			visit(c, false)
		}
	}
	visit(b.tree, true)
	return out
}

// Watch follows the server's change feed until ctx is done or the bridge
// closes. A change to a cached node re-fetches it; a change to an uncached
// node re-fetches its parent when the parent's listing is known.
func (b *Bridge) Watch(ctx context.Context) error {
	feed, ok := b.transport.(ChangeFeed)
	if !ok {
		return ErrNoChangeFeed
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	ctx, cancel := b.callContext(ctx)
	changes, errs := feed.Watch(ctx, b.root)
	go func() {
		defer b.wg.Done()
		defer cancel()
		for {
			select {
			case ch, ok := <-changes:
				if !ok {
					return
				}
				b.onChange(ctx, ch)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					b.log.Debug("change feed error", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	b.log.Info("watching change feed")
	return nil
}

func (b *Bridge) onChange(ctx context.Context, ch protocol.Change) {
	a := address.Normalize(ch.Addr)
	if !address.Within(b.root, a) {
		return
	}
	b.mu.Lock()
	target := ""
	if n := b.lookup(a); n != nil {
		if ch.Kind != protocol.ChangeRemove && ch.MTime > 0 && n.MTime() >= ch.MTime {
			b.mu.Unlock()
			return
		}
		target = a
		if ch.Kind == protocol.ChangeRemove && a != b.root {
			target = address.Parent(a)
		}
	} else if a != b.root {
		if p := b.lookup(address.Parent(a)); p != nil && !p.Partial() && !p.IsStub() {
			target = address.Parent(a)
		}
	}
	b.mu.Unlock()
	if target == "" {
		return
	}

	b.log.Debug("server change", zap.String("kind", ch.Kind), zap.String("addr", a))
	if _, err := b.Fetch(ctx, target); err != nil && !errors.Is(err, ErrClosed) {
		b.log.Warn("refetch after change failed", zap.String("addr", target), zap.Error(err))
	}
}
