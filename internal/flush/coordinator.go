// Package flush moves dirty cache entries into the gateway.
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

// Result summarises one flush pass over a kind.
type Result struct {
	Claimed   int `json:"claimed"`
	Persisted int `json:"persisted"`
	Failed    int `json:"failed"`
	// Skipped counts dirty keys that had no cached value to persist.
	Skipped int `json:"skipped"`
}

type KindStats struct {
	Pending     int       `json:"pending"`
	Processing  int       `json:"processing"`
	LastFlushAt time.Time `json:"last_flush_at"`
	Persisted   uint64    `json:"persisted"`
	Failed      uint64    `json:"failed"`
	Skipped     uint64    `json:"skipped"`
	Recovered   uint64    `json:"recovered"`
}

type keyOutcome int

const (
	keyPersisted keyOutcome = iota
	keyFailed
	keySkipped
)

type Config struct {
	BatchSize    int
	MaxResidency time.Duration
	Now          func() time.Time
}

type Coordinator struct {
	cache   *cache.Cache
	ledger  *ledger.Ledger
	gateway database.Gateway
	cfg     Config
	tracer  trace.Tracer

	mu    sync.Mutex
	stats map[state.Kind]*KindStats
}

func NewCoordinator(c *cache.Cache, l *ledger.Ledger, gateway database.Gateway, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.MaxResidency <= 0 {
		cfg.MaxResidency = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	stats := make(map[state.Kind]*KindStats)
	for _, kind := range state.AllKinds() {
		stats[kind] = &KindStats{}
	}
	return &Coordinator{
		cache:   c,
		ledger:  l,
		gateway: gateway,
		cfg:     cfg,
		tracer:  otel.Tracer("save-sync/flush"),
		stats:   stats,
	}
}

// Flush persists the keys of kind that are Pending when it starts. Keys
// dirtied during the pass wait for the next one. A failed key goes back to
// Pending and never stops the rest of the batch. The only error returned is
// ctx's.
func (c *Coordinator) Flush(ctx context.Context, kind state.Kind) (Result, error) {
	kind.MustValid()
	space := kind.String()

	ctx, span := c.tracer.Start(ctx, "flush.kind", trace.WithAttributes(attribute.String("flush.kind", space)))
	defer span.End()

	var result Result
	budget := c.ledger.Stats(space).Pending
	for budget > 0 {
		batch := c.ledger.ClaimBatch(space, min(c.cfg.BatchSize, budget))
		if len(batch) == 0 {
			break
		}
		budget -= len(batch)
		result.Claimed += len(batch)

		for i, claim := range batch {
			if err := ctx.Err(); err != nil {
				for _, rest := range batch[i:] {
					c.ledger.Release(space, rest, ledger.Failure)
				}
				c.record(kind, result)
				return result, err
			}
			switch c.flushKey(ctx, kind, claim) {
			case keyPersisted:
				result.Persisted++
			case keyFailed:
				result.Failed++
			case keySkipped:
				result.Skipped++
			}
		}
	}

	span.SetAttributes(
		attribute.Int("flush.persisted", result.Persisted),
		attribute.Int("flush.failed", result.Failed),
		attribute.Int("flush.skipped", result.Skipped),
	)
	c.record(kind, result)
	if result.Claimed > 0 {
		logger.InfoF("Flushed %s: %d persisted, %d failed, %d skipped", kind, result.Persisted, result.Failed, result.Skipped)
	}
	return result, nil
}

func (c *Coordinator) flushKey(ctx context.Context, kind state.Kind, claim ledger.Claim) keyOutcome {
	space := kind.String()
	key := claim.Key

	entry, ok := c.cache.Get(kind, key)
	if !ok {
		// 没有缓存值可写，直接视为完成
		logger.WarnF("Dirty %s key %s has no cached value, dropping it", kind, key)
		c.ledger.Release(space, claim, ledger.Success)
		return keySkipped
	}

	if err := c.save(ctx, kind, key, entry.Value); err != nil {
		logger.ErrorF("Fail to persist %s for %s, will retry: %v", kind, key, err)
		c.ledger.Release(space, claim, ledger.Failure)
		return keyFailed
	}

	if !c.ledger.Release(space, claim, ledger.Success) {
		c.cache.Settle(kind, key, entry.Version)
	}
	return keyPersisted
}

// save calls the gateway and turns a panic into an error.
func (c *Coordinator) save(ctx context.Context, kind state.Kind, key string, value any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during save: %v", rec)
		}
	}()
	return c.gateway.Save(ctx, kind, key, value)
}

func (c *Coordinator) record(kind state.Kind, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats[kind]
	s.LastFlushAt = c.cfg.Now()
	s.Persisted += uint64(result.Persisted)
	s.Failed += uint64(result.Failed)
	s.Skipped += uint64(result.Skipped)
}

// FlushAll flushes every kind concurrently.
func (c *Coordinator) FlushAll(ctx context.Context) (map[string]Result, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]Result)
	)
	for _, kind := range state.AllKinds() {
		g.Go(func() error {
			result, err := c.Flush(ctx, kind)
			mu.Lock()
			results[kind.String()] = result
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Recover returns keys stuck in Processing longer than the configured
// residency to Pending.
func (c *Coordinator) Recover(kind state.Kind) []string {
	kind.MustValid()
	keys := c.ledger.RecoverStale(kind.String(), c.cfg.MaxResidency)
	if len(keys) == 0 {
		return nil
	}
	logger.WarnF("Recovered %d stale %s keys from processing", len(keys), kind)

	c.mu.Lock()
	c.stats[kind].Recovered += uint64(len(keys))
	c.mu.Unlock()
	return keys
}

func (c *Coordinator) RecoverAll() int {
	total := 0
	for _, kind := range state.AllKinds() {
		total += len(c.Recover(kind))
	}
	return total
}

func (c *Coordinator) Stats() map[string]KindStats {
	c.mu.Lock()
	out := make(map[string]KindStats, len(c.stats))
	for kind, s := range c.stats {
		out[kind.String()] = *s
	}
	c.mu.Unlock()

	for name, s := range out {
		ls := c.ledger.Stats(name)
		s.Pending = ls.Pending
		s.Processing = ls.Processing
		out[name] = s
	}
	return out
}
