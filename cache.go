package iqua

// Cacheable follows the provider cache of https://github.com/evcc-io/evcc,
// backed by benbjohnson/clock so expiry can be tested.

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cacheable caches a getter's result for a fixed duration. Get serves the
// cached value until it expires, Reset forces the next Get to refetch.
type Cacheable[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	updated time.Time
	cache   time.Duration
	g       func() (T, error)
	val     T
	err     error
}

// ResettableCached wraps a getter with a resettable cache.
func ResettableCached[T any](g func() (T, error), cache time.Duration) *Cacheable[T] {
	return &Cacheable[T]{
		clock: clock.New(),
		cache: cache,
		g:     g,
	}
}

func (c *Cacheable[T]) Get() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mustUpdate() {
		c.val, c.err = c.g()
		c.updated = c.clock.Now()
	}
	return c.val, c.err
}

func (c *Cacheable[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = time.Time{}
}

func (c *Cacheable[T]) mustUpdate() bool {
	return c.clock.Since(c.updated) > c.cache || c.err != nil
}
