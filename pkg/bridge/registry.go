package bridge

import (
	"errors"
	"sort"
	"sync"

	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
)

// Registry hands out one Bridge per root address, creating them on first
// use from a shared configuration.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	bridges map[string]*Bridge
	closed  bool
}

// NewRegistry returns a registry whose bridges use cfg with their own
// root.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, bridges: make(map[string]*Bridge)}
}

// Bridge returns the bridge for root, creating it if needed.
func (r *Registry) Bridge(root string) (*Bridge, error) {
	if err := address.Validate(root); err != nil {
		return nil, err
	}
	root = address.Normalize(root)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if b, ok := r.bridges[root]; ok {
		return b, nil
	}
	cfg := r.cfg
	cfg.Root = root
	b, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.bridges[root] = b
	return b, nil
}

// Lookup returns the existing bridge whose root is the longest prefix of
// addr.
func (r *Registry) Lookup(addr string) (*Bridge, bool) {
	a := address.Normalize(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Bridge
	for root, b := range r.bridges {
		if !address.Within(root, a) {
			continue
		}
		if best == nil || address.Depth(root) > address.Depth(best.root) {
			best = b
		}
	}
	return best, best != nil
}

// Roots returns the roots of the existing bridges, sorted.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := make([]string, 0, len(r.bridges))
	for root := range r.bridges {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close closes every bridge. The registry cannot be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	bridges := r.bridges
	r.bridges = map[string]*Bridge{}
	r.mu.Unlock()

	var errs []error
	for _, b := range bridges {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
