// Package cache stores downloaded hub file content on disk, keyed by
// address and checksum, with LRU eviction and pinning.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
	"github.com/fruitsalade/fruitsalade/hub/pkg/address"
)

// Entry describes one cached file.
type Entry struct {
	Addr       string    `json:"addr"`
	Checksum   string    `json:"checksum,omitempty"`
	LocalPath  string    `json:"-"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"-"`
	Pinned     bool      `json:"pinned,omitempty"`
}

// Cache manages locally cached content.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes

	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
}

// New creates a new cache.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}, nil
}

// fileName maps an address to a flat file name inside the cache dir.
func fileName(addr string) string {
	sum := sha256.Sum256([]byte(addr))
	return hex.EncodeToString(sum[:])
}

// Get returns the local path if addr is cached with the given checksum.
// An empty checksum matches any cached version.
func (c *Cache) Get(addr, checksum string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[addr]
	if !ok || (checksum != "" && entry.Checksum != checksum) {
		metrics.RecordCacheLookup(false)
		return "", false
	}
	entry.LastAccess = time.Now()
	metrics.RecordCacheLookup(true)
	return entry.LocalPath, true
}

// Put stores content for addr, replacing any older version. Content is
// written to a temp file then renamed. progress, when set, is called with
// the running byte count.
func (c *Cache) Put(addr, checksum string, r io.Reader, size int64, progress func(written int64)) (string, error) {
	localPath := filepath.Join(c.dir, fileName(addr))
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{w: f, fn: progress}
	}
	written, err := io.Copy(w, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}
	if size >= 0 && written != size {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: got %d bytes, want %d", written, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pinned := false
	if old, ok := c.entries[addr]; ok {
		pinned = old.Pinned
		c.size -= old.Size
		delete(c.entries, addr)
	}
	for c.maxSize > 0 && c.size+written > c.maxSize {
		if !c.evictOldest() {
			break // Nothing to evict
		}
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[addr] = &Entry{
		Addr:       addr,
		Checksum:   checksum,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
		Pinned:     pinned,
	}
	c.size += written
	metrics.SetCacheBytes(c.size)
	return localPath, nil
}

type progressWriter struct {
	w  io.Writer
	n  int64
	fn func(int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	p.fn(p.n)
	return n, err
}

// Evict removes addr from the cache. Pinned entries are kept.
func (c *Cache) Evict(addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[addr]
	if !ok {
		return nil
	}
	if entry.Pinned {
		return fmt.Errorf("cannot evict pinned file: %s", addr)
	}
	c.remove(entry)
	return nil
}

// EvictTree removes addr and everything cached beneath it, pinned or not,
// and returns how many entries went away.
func (c *Cache) EvictTree(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for a, entry := range c.entries {
		if address.Within(addr, a) {
			c.remove(entry)
			count++
		}
	}
	return count
}

// remove must be called with the lock held.
func (c *Cache) remove(entry *Entry) {
	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, entry.Addr)
	metrics.SetCacheBytes(c.size)
}

// Pin marks a file to never be evicted.
func (c *Cache) Pin(addr string) error {
	return c.setPinned(addr, true)
}

// Unpin allows a file to be evicted.
func (c *Cache) Unpin(addr string) error {
	return c.setPinned(addr, false)
}

func (c *Cache) setPinned(addr string, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[addr]
	if !ok {
		return fmt.Errorf("file not cached: %s", addr)
	}
	entry.Pinned = pinned
	return nil
}

// evictOldest removes the least recently used non-pinned file.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *Entry
	for _, entry := range c.entries {
		if entry.Pinned {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}
	if oldest == nil {
		return false
	}
	c.remove(oldest)
	return true
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// List returns copies of all entries sorted by address.
func (c *Cache) List() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Clear removes all non-pinned files from the cache.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, entry := range c.entries {
		if entry.Pinned {
			continue
		}
		c.remove(entry)
		count++
	}
	return count
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}

// IsPinned returns true if the file is pinned.
func (c *Cache) IsPinned(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[addr]
	return ok && entry.Pinned
}

const indexFile = "index.json"

// Save persists the entry index so a later Load can reuse the files.
func (c *Cache) Save() error {
	c.mu.Lock()
	idx := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		idx = append(idx, *entry)
	}
	c.mu.Unlock()

	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, indexFile), data, 0644)
}

// Load restores entries saved by Save whose files still exist.
func (c *Cache) Load() error {
	data, err := os.ReadFile(filepath.Join(c.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx []Entry
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("parse cache index: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for _, ie := range idx {
		path := filepath.Join(c.dir, fileName(ie.Addr))
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if old, ok := c.entries[ie.Addr]; ok {
			c.size -= old.Size
		}
		c.entries[ie.Addr] = &Entry{
			Addr:       ie.Addr,
			Checksum:   ie.Checksum,
			LocalPath:  path,
			Size:       fi.Size(),
			LastAccess: now,
			Pinned:     ie.Pinned,
		}
		c.size += fi.Size()
	}
	metrics.SetCacheBytes(c.size)
	return nil
}
