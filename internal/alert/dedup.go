package alert

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/positionrisk/internal/domain"
)

var _ domain.DedupStore = (*MemoryDedup)(nil)

// MemoryDedup is a process-local DedupStore. It is safe for concurrent use.
type MemoryDedup struct {
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
	mu   sync.Mutex
}

// NewMemoryDedup creates a MemoryDedup. A nil clock uses time.Now.
func NewMemoryDedup(now func() time.Time) *MemoryDedup {
	if now == nil {
		now = time.Now
	}
	return &MemoryDedup{
		seen: make(map[string]time.Time),
		now:  now,
	}
}

// Seen returns true if key was recorded less than ttl ago. Otherwise the key
// is recorded and false is returned.
func (d *MemoryDedup) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if expiry, ok := d.seen[key]; ok && now.Before(expiry) {
		return true, nil
	}
	d.seen[key] = now.Add(ttl)
	return false, nil
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *MemoryDedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, expiry := range d.seen {
		if !now.Before(expiry) {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}
