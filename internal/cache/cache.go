package cache

import (
	"context"
	"log/slog"
	"time"
)

// Cache is a keyed store of values that may disappear at any time.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Purge()
	Size() int
}

// Cleaner is implemented by caches that can drop expired entries on demand.
type Cleaner interface {
	CleanExpired() int
}

// Janitor periodically sweeps a fixed set of caches.
type Janitor struct {
	caches []Cleaner
}

func NewJanitor(caches ...Cleaner) *Janitor {
	return &Janitor{caches: caches}
}

// Sweep cleans every registered cache once and returns the number of
// entries removed.
func (j *Janitor) Sweep() int {
	removed := 0
	for _, c := range j.caches {
		removed += c.CleanExpired()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.Sweep(); n > 0 {
				slog.DebugContext(ctx, "Expired cache entries removed", "count", n)
			}
		}
	}
}
