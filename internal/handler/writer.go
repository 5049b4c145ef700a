package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

var errMiss = errors.New("cache miss")

// StateWriter applies one change to the current value of a (kind, owner)
// pair. With the cache enabled the change goes into the cache and is
// persisted by the flush pipeline. With the cache disabled it is written
// through to the gateway before returning.
type StateWriter struct {
	cache   *cache.Cache
	gateway database.Gateway

	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock serialises write-through of one key. refs counts holders and
// waiters; the entry is dropped when it reaches zero.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewStateWriter(c *cache.Cache, gateway database.Gateway) *StateWriter {
	return &StateWriter{cache: c, gateway: gateway, locks: make(map[string]*keyLock)}
}

// Mutate runs fn against the current value. fn must not modify anything
// outside the value it returns; an error from fn leaves all state unchanged.
func (w *StateWriter) Mutate(ctx context.Context, kind state.Kind, owner string, fn func(current any) (any, error)) error {
	if !w.cache.Enabled() {
		return w.writeThrough(ctx, kind, owner, fn)
	}

	var (
		seed   any
		seeded bool
	)
	for {
		_, err := w.cache.Update(kind, owner, func(current any, found bool) (any, error) {
			if !found {
				if !seeded {
					return nil, errMiss
				}
				current = seed
			}
			return fn(current)
		})
		if seeded || !errors.Is(err, errMiss) {
			return err
		}
		// 缓存未命中时先从数据库加载
		if seed, err = w.load(ctx, kind, owner); err != nil {
			return err
		}
		seeded = true
	}
}

func (w *StateWriter) writeThrough(ctx context.Context, kind state.Kind, owner string, fn func(current any) (any, error)) error {
	unlock := w.lock(kind, owner)
	defer unlock()

	var current any
	if entry, ok := w.cache.Get(kind, owner); ok {
		current = entry.Value
	} else {
		loaded, err := w.load(ctx, kind, owner)
		if err != nil {
			return err
		}
		current = loaded
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if err := w.gateway.Save(ctx, kind, owner, next); err != nil {
		return fmt.Errorf("write through %s for %s: %w", kind, owner, err)
	}
	w.cache.Refresh(kind, owner, next)
	return nil
}

func (w *StateWriter) lock(kind state.Kind, owner string) (unlock func()) {
	key := kind.String() + "/" + owner

	w.mu.Lock()
	l, ok := w.locks[key]
	if !ok {
		l = &keyLock{}
		w.locks[key] = l
	}
	l.refs++
	w.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		w.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(w.locks, key)
		}
		w.mu.Unlock()
	}
}


// load reads the persisted value, falling back to the empty value of kind.
func (w *StateWriter) load(ctx context.Context, kind state.Kind, owner string) (any, error) {
	value, err := w.gateway.Load(ctx, kind, owner)
	if errors.Is(err, database.ErrNotFound) {
		return kind.Zero(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s for %s: %w", kind, owner, err)
	}
	return value, nil
}
