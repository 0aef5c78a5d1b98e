// Package store holds the local data set of a peer: a concurrent collection of
// items with prefix and range scans and a lazily computed signature.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zde37/pgrid/internal/keyspace"
	"github.com/zde37/pgrid/pkg"
)

// Config holds configuration for the item store.
type Config struct {
	// PageSize is the number of items per signature page.
	// Default is DefaultPageSize if not specified.
	PageSize int
}

// ItemStore keeps the items a peer is responsible for. Reads run concurrently
// with each other; writes invalidate the cached signature.
type ItemStore struct {
	mu       sync.RWMutex
	items    map[string]Item // by Item.ID
	sig      *Signature      // nil when invalidated
	pageSize int
	closed   atomic.Bool

	// Metrics for monitoring
	adds    atomic.Int64
	removes atomic.Int64
	scans   atomic.Int64
	digests atomic.Int64
}

// NewItemStore creates an empty store. If config is nil, default values are used.
func NewItemStore(config *Config) *ItemStore {
	pageSize := DefaultPageSize
	if config != nil && config.PageSize > 0 {
		pageSize = config.PageSize
	}
	return &ItemStore{
		items:    make(map[string]Item),
		pageSize: pageSize,
	}
}

func (s *ItemStore) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return pkg.ErrContextCanceled
	default:
	}
	if s.closed.Load() {
		return pkg.ErrStorageUnavailable
	}
	return nil
}

// Add stores items, replacing any existing version with the same ID.
// It returns the number of items that were not present before.
func (s *ItemStore) Add(ctx context.Context, items ...Item) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	for _, it := range items {
		if !keyspace.Valid(it.Key) {
			return 0, fmt.Errorf("%w: item key %q is not a bitstring", pkg.ErrProtocolViolation, it.Key)
		}
	}
	if len(items) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, it := range items {
		if _, ok := s.items[it.ID()]; !ok {
			added++
		}
		s.items[it.ID()] = cloneItem(it)
	}
	s.sig = nil
	s.adds.Add(int64(len(items)))
	return added, nil
}

// Remove deletes items by ID and returns how many were present.
func (s *ItemStore) Remove(ctx context.Context, items ...Item) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, it := range items {
		if _, ok := s.items[it.ID()]; ok {
			delete(s.items, it.ID())
			removed++
		}
	}
	if removed > 0 {
		s.sig = nil
	}
	s.removes.Add(int64(removed))
	return removed, nil
}

// Get returns every item stored under key.
// Returns ErrKeyNotFound if there is none.
func (s *ItemStore) Get(ctx context.Context, key keyspace.Key) ([]Item, error) {
	items, err := s.Select(ctx, func(it Item) bool { return it.Key == key })
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, pkg.ErrKeyNotFound
	}
	return items, nil
}

// Items returns the items whose key starts with prefix, sorted.
func (s *ItemStore) Items(ctx context.Context, prefix string) ([]Item, error) {
	return s.Select(ctx, func(it Item) bool { return strings.HasPrefix(it.Key, prefix) })
}

// Responsible returns the items a peer owning path is responsible for.
func (s *ItemStore) Responsible(ctx context.Context, path string) ([]Item, error) {
	return s.Select(ctx, func(it Item) bool { return keyspace.IsResponsible(path, it.Key) })
}

// Range returns the items whose key lies inside r, sorted.
func (s *ItemStore) Range(ctx context.Context, r keyspace.Range) ([]Item, error) {
	return s.Select(ctx, func(it Item) bool { return r.Contains(it.Key) })
}

// All returns every item, sorted.
func (s *ItemStore) All(ctx context.Context) ([]Item, error) {
	return s.Select(ctx, func(Item) bool { return true })
}

// Select returns copies of the items matching keep, sorted.
func (s *ItemStore) Select(ctx context.Context, keep func(Item) bool) ([]Item, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Item, 0)
	for _, it := range s.items {
		if keep(it) {
			out = append(out, cloneItem(it))
		}
	}
	s.mu.RUnlock()

	s.scans.Add(1)
	Sort(out)
	return out, nil
}

// Count returns the number of stored items.
func (s *ItemStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// CountResponsible returns how many items a peer owning path would keep.
func (s *ItemStore) CountResponsible(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, it := range s.items {
		if keyspace.IsResponsible(path, it.Key) {
			n++
		}
	}
	return n
}

// Signature returns the digest of the stored set, recomputing it if a
// mutation invalidated the cached one.
func (s *ItemStore) Signature() Signature {
	s.mu.RLock()
	if s.sig != nil {
		sig := *s.sig
		s.mu.RUnlock()
		return sig
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sig, _ := s.digestLocked()
	return sig
}

// Diff returns the signature of the stored set together with the items on
// every page that differs from other. Items on matching pages are held by
// the owner of other already.
func (s *ItemStore) Diff(ctx context.Context, other Signature) (Signature, []Item, error) {
	if err := s.check(ctx); err != nil {
		return Signature{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sig, sorted := s.digestLocked()
	if sorted == nil {
		sorted = s.sortedLocked()
	}

	var out []Item
	for _, page := range sig.DiffPages(other) {
		start := page * s.pageSize
		if start >= len(sorted) {
			break
		}
		end := start + s.pageSize
		if end > len(sorted) {
			end = len(sorted)
		}
		for _, it := range sorted[start:end] {
			out = append(out, cloneItem(it))
		}
	}
	s.scans.Add(1)
	return sig, out, nil
}

// digestLocked returns the cached signature, computing it when invalidated.
// The sorted items are returned only when they had to be collected.
func (s *ItemStore) digestLocked() (Signature, []Item) {
	if s.sig != nil {
		return *s.sig, nil
	}
	items := s.sortedLocked()
	sig := ComputeSignature(items, s.pageSize)
	s.sig = &sig
	s.digests.Add(1)
	return sig, items
}

func (s *ItemStore) sortedLocked() []Item {
	items := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	Sort(items)
	return items
}

// Close releases the store. Further calls fail with ErrStorageUnavailable.
func (s *ItemStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	s.items = nil
	s.sig = nil
	s.mu.Unlock()
	return nil
}

// Stats holds store statistics.
type Stats struct {
	Items   int   `json:"items"`
	Adds    int64 `json:"adds"`
	Removes int64 `json:"removes"`
	Scans   int64 `json:"scans"`
	Digests int64 `json:"digests"`
}

// GetStats returns current store statistics.
func (s *ItemStore) GetStats() Stats {
	return Stats{
		Items:   s.Count(),
		Adds:    s.adds.Load(),
		Removes: s.removes.Load(),
		Scans:   s.scans.Load(),
		Digests: s.digests.Load(),
	}
}
