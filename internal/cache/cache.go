// Package cache is the write-back store for game state. Writes land in a hot
// tier and are scheduled for persistence in the flush ledger before the write
// returns. Entries that have been persisted move to a clean tier bounded by an
// expirable LRU.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

// Entry is the cached value of one (kind, owner) pair.
type Entry struct {
	OwnerID        string     `json:"owner_id"`
	Kind           state.Kind `json:"-"`
	Value          any        `json:"value"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	Version        uint64     `json:"version"`
}

type partition struct {
	mu    sync.Mutex
	hot   map[string]Entry
	clean *expirable.LRU[string, Entry]
}

type Cache struct {
	parts   map[state.Kind]*partition
	ledger  *ledger.Ledger
	enabled atomic.Bool
	now     func() time.Time
}

type Config struct {
	Enabled       bool
	CleanCapacity int
	CleanTTL      time.Duration
	Now           func() time.Time
}

func New(l *ledger.Ledger, cfg Config) *Cache {
	if cfg.CleanCapacity <= 0 {
		cfg.CleanCapacity = 10000
	}
	if cfg.CleanTTL <= 0 {
		cfg.CleanTTL = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Cache{
		parts:  make(map[state.Kind]*partition),
		ledger: l,
		now:    cfg.Now,
	}
	for _, kind := range state.AllKinds() {
		c.parts[kind] = &partition{
			hot:   make(map[string]Entry),
			clean: expirable.NewLRU[string, Entry](cfg.CleanCapacity, nil, cfg.CleanTTL),
		}
	}
	c.enabled.Store(cfg.Enabled)
	return c
}

func (c *Cache) part(kind state.Kind) *partition {
	p, ok := c.parts[kind]
	if !ok {
		kind.MustValid()
		panic("cache: no partition for kind " + kind.String())
	}
	return p
}

// lookup reads the current entry. Caller holds p.mu.
func (p *partition) lookup(owner string) (Entry, bool) {
	if entry, ok := p.hot[owner]; ok {
		return entry, true
	}
	return p.clean.Get(owner)
}

func cloneValue(v any) any {
	if inv, ok := v.(state.Inventory); ok {
		return inv.Clone()
	}
	return v
}

func (c *Cache) Get(kind state.Kind, owner string) (Entry, bool) {
	p := c.part(kind)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.lookup(owner)
	if !ok {
		return Entry{}, false
	}
	entry.Value = cloneValue(entry.Value)
	return entry, true
}

// GetAs returns the cached value typed as T.
func GetAs[T any](c *Cache, kind state.Kind, owner string) (T, bool) {
	var zero T
	entry, ok := c.Get(kind, owner)
	if !ok {
		return zero, false
	}
	v, ok := entry.Value.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Set stores value and marks the key dirty.
func (c *Cache) Set(kind state.Kind, owner string, value any) Entry {
	entry, _ := c.Update(kind, owner, func(any, bool) (any, error) {
		return value, nil
	})
	return entry
}

// Update performs an atomic read-modify-write of one key. fn receives a copy
// of the current value (found is false on a miss). If fn returns an error
// nothing is changed and nothing is enqueued. Otherwise the new value is
// stored and the key is enqueued in the ledger before Update returns.
func (c *Cache) Update(kind state.Kind, owner string, fn func(current any, found bool) (any, error)) (Entry, error) {
	p := c.part(kind)

	p.mu.Lock()
	defer p.mu.Unlock()

	current, found := p.lookup(owner)
	next, err := fn(cloneValue(current.Value), found)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		OwnerID:        owner,
		Kind:           kind,
		Value:          cloneValue(next),
		LastModifiedAt: c.now(),
		Version:        current.Version + 1,
	}
	p.hot[owner] = entry
	p.clean.Remove(owner)
	c.ledger.Enqueue(kind.String(), owner)

	entry.Value = cloneValue(entry.Value)
	return entry, nil
}

// Refresh records a value that has already been written through to storage.
// A clean key goes to the clean tier and is not enqueued. A key the ledger
// still tracks, or one with a hot entry, is overwritten in the hot tier and
// enqueued again: a flush may have claimed it and be saving the older value,
// which would otherwise land last.
func (c *Cache) Refresh(kind state.Kind, owner string, value any) {
	p := c.part(kind)
	space := kind.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	current, found := p.lookup(owner)
	entry := Entry{
		OwnerID:        owner,
		Kind:           kind,
		Value:          cloneValue(value),
		LastModifiedAt: c.now(),
	}
	if found {
		entry.Version = current.Version + 1
	}
	if _, hot := p.hot[owner]; hot || c.ledger.State(space, owner) != ledger.Absent {
		p.hot[owner] = entry
		p.clean.Remove(owner)
		c.ledger.Enqueue(space, owner)
		return
	}
	p.clean.Add(owner, entry)
}

// Settle moves a persisted entry to the clean tier, provided it was not
// written again since version was read and the ledger holds no claim on it.
func (c *Cache) Settle(kind state.Kind, owner string, version uint64) bool {
	p := c.part(kind)

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.hot[owner]
	if !ok || entry.Version != version {
		return false
	}
	if c.ledger.State(kind.String(), owner) != ledger.Absent {
		return false
	}
	delete(p.hot, owner)
	p.clean.Add(owner, entry)
	return true
}

// ListDirty returns the owners of kind awaiting a flush.
func (c *Cache) ListDirty(kind state.Kind) []string {
	kind.MustValid()
	return c.ledger.Dirty(kind.String())
}

// ClearClean drops every clean entry. Dirty entries are kept.
func (c *Cache) ClearClean() {
	for _, p := range c.parts {
		p.mu.Lock()
		p.clean.Purge()
		p.mu.Unlock()
	}
}

type KindStats struct {
	Hot   int `json:"hot"`
	Clean int `json:"clean"`
	Dirty int `json:"dirty"`
}

func (c *Cache) Stats() map[string]KindStats {
	out := make(map[string]KindStats, len(c.parts))
	for kind, p := range c.parts {
		p.mu.Lock()
		stats := KindStats{Hot: len(p.hot), Clean: p.clean.Len()}
		p.mu.Unlock()
		stats.Dirty = len(c.ledger.Dirty(kind.String()))
		out[kind.String()] = stats
	}
	return out
}

func (c *Cache) Enabled() bool {
	return c.enabled.Load()
}

func (c *Cache) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// Toggle flips the switch and returns the new state.
func (c *Cache) Toggle() bool {
	for {
		old := c.enabled.Load()
		if c.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
