// Package cache holds the client's copy of server data. Every entry is keyed by
// a Key from the registry in keys.go. Stored values are treated as immutable:
// writers replace them, they never edit them in place.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	key       Key
	value     any
	present   bool
	stale     bool
	err       error
	fetching  int
	updatedAt time.Time
}

// Cache is safe for concurrent use. All operations except Fetch are
// synchronous and never block on I/O.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	// gens counts cancellations per key. A fetch only lands if the generation
	// it started under is still current.
	gens   map[string]uint64
	group  singleflight.Group
	subs   map[int]func(Key)
	nextID int

	Now func() time.Time
	Log *zap.Logger
}

func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		entries: map[string]*entry{},
		gens:    map[string]uint64{},
		subs:    map[int]func(Key){},
		Now:     time.Now,
		Log:     log,
	}
}

// Snapshot is a point-in-time copy of one key. Present distinguishes "never
// fetched" from a stored value, even an empty one.
type Snapshot struct {
	Key     Key
	Present bool
	Value   any
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) get(k Key) *entry {
	return c.entries[k.String()]
}

func (c *Cache) ensure(k Key) *entry {
	id := k.String()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: append(Key(nil), k...)}
		c.entries[id] = e
	}
	return e
}

// Peek returns the stored value for k, if any.
func (c *Cache) Peek(k Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(k)
	if e == nil || !e.present {
		return nil, false
	}
	return e.value, true
}

// Set stores v under k as fresh data.
func (c *Cache) Set(k Key, v any) {
	c.mu.Lock()
	c.setLocked(k, v)
	c.mu.Unlock()
	c.notify(k)
}

func (c *Cache) setLocked(k Key, v any) {
	e := c.ensure(k)
	e.value = v
	e.present = true
	e.stale = false
	e.err = nil
	e.updatedAt = c.now()
}

// Update replaces the value under k with fn(prev). fn runs under the cache
// lock, so readers never observe a half-applied change. Returning false
// leaves the entry untouched.
func (c *Cache) Update(k Key, fn func(prev any, present bool) (any, bool)) bool {
	c.mu.Lock()
	var prev any
	present := false
	if e := c.get(k); e != nil && e.present {
		prev, present = e.value, true
	}
	next, ok := fn(prev, present)
	if ok {
		c.setLocked(k, next)
	}
	c.mu.Unlock()
	if ok {
		c.notify(k)
	}
	return ok
}

// Remove drops k back to absent.
func (c *Cache) Remove(k Key) {
	c.mu.Lock()
	delete(c.entries, k.String())
	c.mu.Unlock()
	c.notify(k)
}

func (c *Cache) Snapshot(k Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Key: append(Key(nil), k...)}
	if e := c.get(k); e != nil && e.present {
		s.Present = true
		s.Value = e.value
	}
	return s
}

// Restore puts a snapshot back exactly: the stored value is replaced, or the
// entry is removed when the snapshot was taken before any value existed.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	if s.Present {
		c.setLocked(s.Key, s.Value)
	} else {
		delete(c.entries, s.Key.String())
	}
	c.mu.Unlock()
	c.notify(s.Key)
}

// Patch is one replacement applied by ApplyAll.
type Patch struct {
	Key   Key
	Apply func(prev any, present bool) (next any, ok bool)
}

// ApplyAll runs every patch under a single lock hold, so no reader sees some
// keys patched and others not.
func (c *Cache) ApplyAll(patches ...Patch) {
	var touched []Key
	c.mu.Lock()
	for _, p := range patches {
		var prev any
		present := false
		if e := c.get(p.Key); e != nil && e.present {
			prev, present = e.value, true
		}
		if next, ok := p.Apply(prev, present); ok {
			c.setLocked(p.Key, next)
			touched = append(touched, p.Key)
		}
	}
	c.mu.Unlock()
	for _, k := range touched {
		c.notify(k)
	}
}

// SnapshotAll snapshots several keys at one instant.
func (c *Cache) SnapshotAll(keys ...Key) []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		s := Snapshot{Key: append(Key(nil), k...)}
		if e := c.get(k); e != nil && e.present {
			s.Present = true
			s.Value = e.value
		}
		out = append(out, s)
	}
	return out
}

// RestoreAll puts snapshots back under one lock hold.
func (c *Cache) RestoreAll(snaps []Snapshot) {
	c.mu.Lock()
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		if s.Present {
			c.setLocked(s.Key, s.Value)
		} else {
			delete(c.entries, s.Key.String())
		}
	}
	c.mu.Unlock()
	for _, s := range snaps {
		c.notify(s.Key)
	}
}

// Cancel discards the result of any fetch in flight for the given keys or
// their descendants. It returns once the discard is in effect.
func (c *Cache) Cancel(keys ...Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.bumpLocked(k)
	}
}

func (c *Cache) bumpLocked(parent Key) {
	c.gens[parent.String()]++
	for id, e := range c.entries {
		if e.key.HasPrefix(parent) && id != parent.String() {
			c.gens[id]++
		}
	}
}

// Invalidate marks every entry under the given keys stale so the next read
// refetches. In-flight fetches for them are discarded.
func (c *Cache) Invalidate(keys ...Key) {
	var touched []Key
	c.mu.Lock()
	for _, parent := range keys {
		c.bumpLocked(parent)
		for _, e := range c.entries {
			if e.key.HasPrefix(parent) {
				e.stale = true
				touched = append(touched, e.key)
			}
		}
	}
	c.mu.Unlock()
	c.Log.Debug("cache invalidated", zap.Int("entries", len(touched)))
	for _, k := range touched {
		c.notify(k)
	}
}

// IsStale reports whether k is absent or marked stale.
func (c *Cache) IsStale(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.get(k)
	return e == nil || !e.present || e.stale
}

// Clear drops every entry. Used on sign-out.
func (c *Cache) Clear() {
	c.mu.Lock()
	for id := range c.entries {
		c.gens[id]++
	}
	c.entries = map[string]*entry{}
	c.mu.Unlock()
}

// Subscribe registers fn to be called with each key whose entry changes.
func (c *Cache) Subscribe(fn func(Key)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(k Key) {
	c.mu.Lock()
	subs := make([]func(Key), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(k)
	}
}

func (c *Cache) generation(k Key) uint64 {
	return c.gens[k.String()]
}

// fetch runs fn for k, collapsing concurrent callers, and stores the result
// only if no cancellation happened meanwhile.
func (c *Cache) fetch(ctx context.Context, k Key, fn func(context.Context) (any, error)) (any, error) {
	id := k.String()
	res, err, _ := c.group.Do(id, func() (any, error) {
		c.mu.Lock()
		gen := c.generation(k)
		e := c.ensure(k)
		e.fetching++
		c.mu.Unlock()

		v, err := fn(ctx)

		c.mu.Lock()
		landed := false
		var current any
		if e := c.get(k); e != nil {
			e.fetching--
			if c.generation(k) == gen {
				landed = true
				if err != nil {
					e.err = err
				} else {
					c.setLocked(k, v)
				}
			} else if e.present {
				current = e.value
			}
		}
		c.mu.Unlock()
		if !landed {
			// a newer write owns k now; callers see that, not the stale read
			c.Log.Debug("discarded fetch result", zap.String("key", id))
			return current, nil
		}
		c.notify(k)
		return v, err
	})
	return res, err
}

// Result is what read hooks hand to the presentation layer.
type Result[T any] struct {
	Data      T
	IsLoading bool
	Error     error
}

// Get returns the typed value under k.
func Get[T any](c *Cache, k Key) (T, bool) {
	v, ok := c.Peek(k)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Fetch returns the cached value when it is fresh and otherwise loads it
// through fn.
func Fetch[T any](ctx context.Context, c *Cache, k Key, fn func(context.Context) (T, error)) (T, error) {
	if !c.IsStale(k) {
		if v, ok := Get[T](c, k); ok {
			return v, nil
		}
	}
	v, err := c.fetch(ctx, k, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

// Query is Fetch shaped for a read hook. A failed read keeps any earlier data
// and reports the error inline.
func Query[T any](ctx context.Context, c *Cache, k Key, fn func(context.Context) (T, error)) Result[T] {
	v, err := Fetch(ctx, c, k, fn)
	if err != nil {
		prev, _ := Get[T](c, k)
		return Result[T]{Data: prev, Error: err}
	}
	return Result[T]{Data: v}
}

// State reports what is stored for k without fetching.
func State[T any](c *Cache, k Key) Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r Result[T]
	e := c.get(k)
	if e == nil {
		return r
	}
	r.IsLoading = e.fetching > 0
	r.Error = e.err
	if e.present {
		r.Data, _ = e.value.(T)
	}
	return r
}
