// Package cache memoizes ranked feed results per requester location with a
// time-to-live, explicit invalidation and at-most-one in-flight computation
// per key.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/blackmichael/nearby-feeds/internal/geo"
)

// NoLocation is the Location of a key built without requester coordinates.
// Lookups for such keys never compute and return the zero value.
const NoLocation = "no-location"

// KeyPrecision is the number of decimal places kept from requester
// coordinates (about 11 m at the equator).
const KeyPrecision = 4

// Key identifies a cached result. Two keys for the same set and variant are
// equal iff their fixed-precision requester locations are equal.
type Key struct {
	// Set is the candidate set the result was computed from.
	Set string

	// Variant distinguishes query parameters other than the location, such as
	// the radius.
	Variant string

	// Location is the fixed-precision requester coordinate or NoLocation.
	Location string
}

// NewKey builds a key for the given set and radius. A nil origin produces a
// NoLocation key.
func NewKey(set string, radiusKm float64, origin *geo.Coordinate) Key {
	k := Key{
		Set:      set,
		Variant:  "r=" + strconv.FormatFloat(radiusKm, 'f', -1, 64),
		Location: NoLocation,
	}
	if origin != nil {
		k.Location = origin.Key(KeyPrecision)
	}
	return k
}

// HasLocation reports whether the key was built from requester coordinates.
func (k Key) HasLocation() bool {
	return k.Location != NoLocation
}

// BelongsTo reports whether the key was computed from the given set.
func (k Key) BelongsTo(set string) bool {
	return k.Set == set
}

func (k Key) String() string {
	return k.Set + "|" + k.Variant + "|" + k.Location
}

// Options configures a Cache.
type Options struct {
	// TTL is the maximum age of an entry before it is recomputed.
	TTL time.Duration

	// RefetchOnRefocus makes Refocus drop every entry.
	RefetchOnRefocus bool

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnHit and OnMiss are called for every lookup that has a location.
	OnHit  func(Key)
	OnMiss func(Key)
}

type entry[V any] struct {
	value      V
	computedAt time.Time
}

// flight tracks one computation of a key. A stale flight was invalidated while
// running and must not store its result.
type flight struct {
	id    uint64
	stale bool

	// done is set once the computation has finished, with its outcome.
	done bool
	val  any
	err  error
}

// Cache is a TTL cache of computed values. It is safe for concurrent use.
type Cache[V any] struct {
	opts Options

	mu      sync.RWMutex
	entries map[Key]*entry[V]
	flights map[Key]*flight
	nextID  uint64

	group singleflight.Group
}

// New creates a Cache with the given options.
func New[V any](opts Options) *Cache[V] {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[V]{
		opts:    opts,
		entries: make(map[Key]*entry[V]),
		flights: make(map[Key]*flight),
	}
}

// GetOrCompute returns the cached value for key if it is younger than the TTL,
// otherwise it runs compute and stores the result. Concurrent callers for the
// same key share one computation. The computation is not cancelled when ctx
// ends; the caller gets ctx.Err() and the result still populates the cache.
// Errors are returned to every waiter and never cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key Key, compute func(ctx context.Context) (V, error)) (V, error) {
	var zero V
	if !key.HasLocation() {
		return zero, nil
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && c.opts.Now().Sub(e.computedAt) < c.opts.TTL {
		if c.opts.OnHit != nil {
			c.opts.OnHit(key)
		}
		return e.value, nil
	}
	if c.opts.OnMiss != nil {
		c.opts.OnMiss(key)
	}

	f, fresh := c.join(key)
	if fresh != nil {
		return fresh.value, nil
	}
	ch := c.group.DoChan(flightKey(key, f.id), c.run(context.WithoutCancel(ctx), key, f, compute))

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// Refresh drops any entry for key and recomputes it.
func (c *Cache[V]) Refresh(ctx context.Context, key Key, compute func(ctx context.Context) (V, error)) (V, error) {
	c.Invalidate(func(k Key) bool { return k == key })
	return c.GetOrCompute(ctx, key, compute)
}

// Invalidate drops every entry whose key matches pred and returns how many were
// dropped. Computations for matching keys that are in flight finish for their
// current waiters but their results are not stored, and later lookups start a
// new computation.
func (c *Cache[V]) Invalidate(pred func(Key) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for k := range c.entries {
		if pred(k) {
			delete(c.entries, k)
			dropped++
		}
	}
	for k, f := range c.flights {
		if pred(k) {
			f.stale = true
		}
	}
	return dropped
}

// Refocus is called when the consumer regains focus. It drops every entry only
// when RefetchOnRefocus is set.
func (c *Cache[V]) Refocus() int {
	if !c.opts.RefetchOnRefocus {
		return 0
	}
	return c.Invalidate(func(Key) bool { return true })
}

// Len returns the number of stored entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries older than the TTL and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.computedAt) >= c.opts.TTL {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// join returns the current flight for key, starting a new one when there is
// none or the current one went stale. If a flight completed since the caller
// looked, the fresh entry is returned instead.
func (c *Cache[V]) join(key Key) (*flight, *entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && c.opts.Now().Sub(e.computedAt) < c.opts.TTL {
		return nil, e
	}
	if f, ok := c.flights[key]; ok && !f.stale {
		return f, nil
	}
	c.nextID++
	f := &flight{id: c.nextID}
	c.flights[key] = f
	return f, nil
}

// run returns the singleflight function for f. A caller can reach DoChan
// after f has finished and singleflight has forgotten it; it then gets f's
// outcome instead of computing again.
func (c *Cache[V]) run(ctx context.Context, key Key, f *flight, compute func(ctx context.Context) (V, error)) func() (any, error) {
	return func() (any, error) {
		c.mu.RLock()
		done, val, err := f.done, f.val, f.err
		c.mu.RUnlock()
		if done {
			return val, err
		}

		v, err := compute(ctx)
		c.finish(key, f, v, err)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (c *Cache[V]) finish(key Key, f *flight, v V, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.done = true
	if err != nil {
		f.err = err
	} else {
		f.val = v
	}

	if c.flights[key] != f {
		// replaced by a newer flight after an invalidation
		return
	}
	delete(c.flights, key)
	if err != nil || f.stale {
		return
	}
	c.entries[key] = &entry[V]{value: v, computedAt: c.opts.Now()}
}

func flightKey(key Key, id uint64) string {
	return fmt.Sprintf("%s#%d", key, id)
}
