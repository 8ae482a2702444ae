package corpus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Snapshot is one published, immutable version of the statistics.
type Snapshot struct {
	Version uint64
	Stats   *Statistics
}

// Holder owns the currently published snapshot. Readers call Current and
// keep using the returned pointer for the whole query; rebuilds publish with
// Swap. No reader ever observes a partially built table.
type Holder struct {
	current atomic.Pointer[Snapshot]

	// swapMu serializes writers so versions stay monotonic.
	swapMu sync.Mutex
}

// NewHolder returns an empty holder. Current reports ErrStatsUnavailable until the first Swap.
func NewHolder() *Holder {
	return &Holder{}
}

// Current returns the published snapshot.
func (h *Holder) Current() (*Snapshot, error) {
	snap := h.current.Load()
	if snap == nil || snap.Stats.Empty() {
		return nil, ErrStatsUnavailable
	}
	return snap, nil
}

// Swap publishes stats as a new version. The caller must not modify stats afterwards.
func (h *Holder) Swap(stats *Statistics) *Snapshot {
	h.swapMu.Lock()
	defer h.swapMu.Unlock()

	var version uint64 = 1
	if prev := h.current.Load(); prev != nil {
		version = prev.Version + 1
	}
	snap := &Snapshot{Version: version, Stats: stats}
	h.current.Store(snap)
	return snap
}

// Version returns the published version, 0 when nothing has been published.
func (h *Holder) Version() uint64 {
	if snap := h.current.Load(); snap != nil {
		return snap.Version
	}
	return 0
}

// Store persists statistics between processes.
type Store interface {
	// Load returns the last saved statistics, or ErrStatsUnavailable if none were ever saved.
	Load(ctx context.Context) (*Statistics, error)

	// Save replaces all stored tables with stats in one transaction.
	Save(ctx context.Context, stats *Statistics) error
}

// Reload loads statistics from store and publishes them.
func (h *Holder) Reload(ctx context.Context, store Store) (*Snapshot, error) {
	stats, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading corpus statistics: %w", err)
	}
	if err := stats.Validate(); err != nil {
		return nil, fmt.Errorf("loaded corpus statistics: %w", err)
	}
	return h.Swap(stats), nil
}
