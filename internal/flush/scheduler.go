package flush

import (
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
)

// Sweeper drops sessions that can no longer resolve.
type Sweeper interface {
	Sweep() int
}

// Scheduler runs FlushAll on a fixed interval or on demand, returns stale
// claims to Pending and sweeps dead sessions. Invoke stops it and performs a
// final flush, so it can be registered with the shutdown cleaner.
type Scheduler struct {
	coordinator   *Coordinator
	sessions      Sweeper
	interval      time.Duration
	sweepInterval time.Duration

	trigger  chan struct{}
	stop     chan struct{}
	done     chan struct{}
	start    sync.Once
	stopOnce sync.Once
}

func NewScheduler(coordinator *Coordinator, sessions Sweeper, interval, sweepInterval time.Duration) *Scheduler {
	return &Scheduler{
		coordinator:   coordinator,
		sessions:      sessions,
		interval:      interval,
		sweepInterval: sweepInterval,
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.start.Do(func() {
		go s.loop(ctx)
	})
}

// Trigger requests a flush without waiting for it. Requests made while one
// is already queued are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	flushTicker := time.NewTicker(s.interval)
	defer flushTicker.Stop()
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()

	logger.InfoF("Flush scheduler started, interval %v", s.interval)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			s.coordinator.RecoverAll()
			s.flush(ctx)
		case <-s.trigger:
			s.flush(ctx)
		case <-sweepTicker.C:
			if removed := s.sessions.Sweep(); removed > 0 {
				logger.DebugF("Swept %d dead sessions", removed)
			}
		}
	}
}

func (s *Scheduler) flush(ctx context.Context) {
	if _, err := s.coordinator.FlushAll(ctx); err != nil {
		logger.WarnF("Flush interrupted: %v", err)
	}
}

// Invoke stops the loop and flushes everything still pending.
func (s *Scheduler) Invoke(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	// never started: nothing to wait for
	s.start.Do(func() { close(s.done) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.Info("Running final flush")
	results, err := s.coordinator.FlushAll(ctx)
	for kind, result := range results {
		if result.Failed > 0 {
			logger.ErrorF("Final flush left %d %s keys unpersisted", result.Failed, kind)
		}
	}
	return err
}
