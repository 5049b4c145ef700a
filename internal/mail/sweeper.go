// Package mail expires time-boxed mail records. Each mail is held in the
// flush ledger under the MAIL space with its expiry as the score, and a sweep
// claims the due ones, deletes them from storage and releases them.
package mail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
)

const Space = "MAIL"

type Sweeper struct {
	ledger    *ledger.Ledger
	gateway   database.Gateway
	batchSize int
	interval  time.Duration
	now       func() time.Time

	start    sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSweeper(l *ledger.Ledger, gateway database.Gateway, batchSize int, interval time.Duration, now func() time.Time) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		ledger:    l,
		gateway:   gateway,
		batchSize: batchSize,
		interval:  interval,
		now:       now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Track stores m and schedules it for deletion at m.ExpiresAt. Tracking an
// id again keeps the earlier expiry in the ledger.
func (s *Sweeper) Track(ctx context.Context, m database.Mail) error {
	if m.ID == "" {
		return database.ErrMailIdEmpty
	}
	if err := s.gateway.SaveMail(ctx, m); err != nil {
		return fmt.Errorf("save mail %s: %w", m.ID, err)
	}
	s.ledger.EnqueueAt(Space, m.ID, m.ExpiresAt)
	return nil
}

// Load schedules every mail already in storage. Called once at start-up.
func (s *Sweeper) Load(ctx context.Context) (int, error) {
	mails, err := s.gateway.MailExpiries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load mail expiries: %w", err)
	}
	for _, m := range mails {
		s.ledger.EnqueueAt(Space, m.ID, m.ExpiresAt)
	}
	logger.InfoF("Loaded %d mail expiries", len(mails))
	return len(mails), nil
}

// Sweep deletes every mail that expired at or before now. A failed delete is
// released back to Pending and retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	budget := s.ledger.Stats(Space).Pending
	for budget > 0 {
		batch := s.ledger.ClaimDue(Space, now, min(s.batchSize, budget))
		if len(batch) == 0 {
			break
		}
		budget -= len(batch)

		for i, claim := range batch {
			if err := ctx.Err(); err != nil {
				for _, rest := range batch[i:] {
					s.ledger.Release(Space, rest, ledger.Failure)
				}
				return deleted, err
			}
			if err := s.gateway.DeleteMail(ctx, claim.Key); err != nil {
				logger.ErrorF("Fail to delete expired mail %s, will retry: %v", claim.Key, err)
				s.ledger.Release(Space, claim, ledger.Failure)
				continue
			}
			s.ledger.Release(Space, claim, ledger.Success)
			deleted++
		}
	}
	if deleted > 0 {
		logger.InfoF("Swept %d expired mails", deleted)
	}
	return deleted, nil
}

func (s *Sweeper) Pending() int {
	return s.ledger.Stats(Space).Pending
}

func (s *Sweeper) Start(ctx context.Context) {
	s.start.Do(func() {
		go s.loop(ctx)
	})
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.now()); err != nil {
				logger.WarnF("Mail sweep interrupted: %v", err)
			}
		}
	}
}

// Invoke stops the periodic sweep.
func (s *Sweeper) Invoke(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.start.Do(func() { close(s.done) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
