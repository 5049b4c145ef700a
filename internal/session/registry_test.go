package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestRegistry() (*Registry, *clock) {
	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(10*time.Minute, WithClock(c.Now)), c
}

func TestCreateAndResolve(t *testing.T) {
	r, c := newTestRegistry()
	userID, ownerID := uuid.New(), uuid.New()

	s, err := r.Create(userID, ownerID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.EndTime.Equal(c.now.Add(10 * time.Minute)) {
		t.Fatalf("default ttl not applied, end time %v", s.EndTime)
	}

	id, err := r.Resolve(s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != userID || id.OwnerID != ownerID || id.SessionID != s.ID {
		t.Fatalf("unexpected identity %+v", id)
	}

	if _, err := r.Create(uuid.Nil, ownerID, 0); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestResolveFailures(t *testing.T) {
	r, c := newTestRegistry()
	expired, _ := r.Create(uuid.New(), uuid.New(), time.Minute)
	closed, _ := r.Create(uuid.New(), uuid.New(), time.Hour)
	_ = r.Close(closed.ID)
	c.now = c.now.Add(2 * time.Minute)

	tests := []struct {
		name string
		id   uuid.UUID
		want error
	}{
		{"unknown", uuid.New(), ErrNotFound},
		{"expired", expired.ID, ErrExpired},
		{"closed", closed.ID, ErrClosed},
	}
	for _, tt := range tests {
		if _, err := r.Resolve(tt.id); !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestRefreshExtendsEndTime(t *testing.T) {
	r, c := newTestRegistry()
	s, _ := r.Create(uuid.New(), uuid.New(), 5*time.Minute)

	c.now = c.now.Add(4 * time.Minute)
	end, err := r.Refresh(s.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !end.Equal(c.now.Add(5 * time.Minute)) {
		t.Fatalf("end time %v", end)
	}

	c.now = c.now.Add(4 * time.Minute)
	if _, err := r.Resolve(s.ID); err != nil {
		t.Fatalf("refreshed session should still resolve: %v", err)
	}
}

func TestExpiredIsTerminal(t *testing.T) {
	r, c := newTestRegistry()
	s, _ := r.Create(uuid.New(), uuid.New(), time.Minute)
	c.now = c.now.Add(time.Minute + time.Second)

	if _, err := r.Refresh(s.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("refresh of expired session: %v", err)
	}
	if _, err := r.Refresh(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("refresh of unknown session: %v", err)
	}
}

func TestSweep(t *testing.T) {
	r, c := newTestRegistry()
	live, _ := r.Create(uuid.New(), uuid.New(), time.Hour)
	_, _ = r.Create(uuid.New(), uuid.New(), time.Minute)
	closed, _ := r.Create(uuid.New(), uuid.New(), time.Hour)
	_ = r.Close(closed.ID)
	c.now = c.now.Add(2 * time.Minute)

	if removed := r.Sweep(); removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
	if r.Len() != 1 {
		t.Fatalf("len %d, want 1", r.Len())
	}
	if _, ok := r.Get(live.ID); !ok {
		t.Fatal("live session swept")
	}
	if err := r.Close(closed.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("closing a swept session: %v", err)
	}
}
