package memhub

import (
	"sync"

	"github.com/goccy/go-json"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
	"github.com/fruitsalade/fruitsalade/hub/pkg/protocol"
)

// feedBuffer is how many undelivered changes a feed holds before new ones
// are dropped for it.
const feedBuffer = 64

// Broadcaster fans tree changes out to change feeds. Each feed follows one
// root address and only sees changes that can affect the tree under it:
// changes inside the root and changes to one of its ancestors.
type Broadcaster struct {
	mu    sync.RWMutex
	feeds map[chan protocol.Change]string
}

// NewBroadcaster returns a broadcaster without feeds.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{feeds: make(map[chan protocol.Change]string)}
}

// Subscribe opens a feed for the tree under root. The caller must call
// Unsubscribe when done.
func (b *Broadcaster) Subscribe(root string) chan protocol.Change {
	ch := make(chan protocol.Change, feedBuffer)
	b.mu.Lock()
	b.feeds[ch] = address.Normalize(root)
	n := len(b.feeds)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe closes a feed.
func (b *Broadcaster) Unsubscribe(ch chan protocol.Change) {
	b.mu.Lock()
	if _, ok := b.feeds[ch]; ok {
		delete(b.feeds, ch)
		close(ch)
	}
	n := len(b.feeds)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish hands ch to every feed it concerns without blocking; a feed
// whose buffer is full misses it and catches up on its next refresh.
func (b *Broadcaster) Publish(ch protocol.Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for feed, root := range b.feeds {
		if !concerns(root, ch.Addr) {
			continue
		}
		select {
		case feed <- ch:
		default:
		}
	}
	metrics.RecordSSEEvent(ch.Kind)
}

func concerns(root, addr string) bool {
	return address.Within(root, addr) || address.Within(addr, root)
}

// Count returns the number of open feeds.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.feeds)
}

// MarshalChange serializes a change for the event stream.
func MarshalChange(ch protocol.Change) ([]byte, error) {
	return json.Marshal(ch)
}
