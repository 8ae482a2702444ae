// Package cache provides the byte caches used for query analysis results:
// a shared Redis cache and a process-local LRU.
package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
)

// Cache stores opaque values under string keys with a TTL. Implementations
// treat backend failures as misses; a cache never fails a request.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Key builds a stable key from a namespace and free text. Case and
// whitespace differences in text map to the same key.
func Key(namespace, text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%s:%x", namespace, hash[:16])
}

// Noop never stores anything.
type Noop struct{}

// Get implements Cache.
func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }

// Set implements Cache.
func (Noop) Set(context.Context, string, []byte, time.Duration) {}

var _ Cache = Noop{}
