// Package session binds a connection to a user and the game save it may edit.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
	ErrClosed   = errors.New("session closed")
)

type Session struct {
	ID        uuid.UUID     `json:"session_id"`
	UserID    uuid.UUID     `json:"user_id"`
	OwnerID   uuid.UUID     `json:"game_save_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	TTL       time.Duration `json:"-"`
	Closed    bool          `json:"-"`
}

// Identity is what a live session resolves to.
type Identity struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	OwnerID   uuid.UUID
}

type Registry struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(defaultTTL time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions:   make(map[uuid.UUID]*Session),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// check reports why s can no longer be used. Caller holds r.mu.
func (r *Registry) check(s *Session, now time.Time) error {
	if s.Closed {
		return ErrClosed
	}
	if now.After(s.EndTime) {
		return ErrExpired
	}
	return nil
}

// Create opens a session. A non-positive ttl selects the registry default.
func (r *Registry) Create(userID, ownerID uuid.UUID, ttl time.Duration) (Session, error) {
	if userID == uuid.Nil || ownerID == uuid.Nil {
		return Session{}, errors.New("user id and game save id are required")
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	now := r.now()
	s := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		OwnerID:   ownerID,
		StartTime: now,
		EndTime:   now.Add(ttl),
		TTL:       ttl,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return *s, nil
}

// Refresh extends a live session to now plus its TTL.
func (r *Registry) Refresh(id uuid.UUID) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	now := r.now()
	if err := r.check(s, now); err != nil {
		return time.Time{}, err
	}
	s.EndTime = now.Add(s.TTL)
	return s.EndTime, nil
}

func (r *Registry) Resolve(id uuid.UUID) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	if err := r.check(s, r.now()); err != nil {
		return Identity{}, err
	}
	return Identity{SessionID: s.ID, UserID: s.UserID, OwnerID: s.OwnerID}, nil
}

func (r *Registry) Get(id uuid.UUID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Close ends the session. Closing twice is not an error.
func (r *Registry) Close(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Closed = true
	return nil
}

// Sweep forgets closed and expired sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if r.check(s, now) != nil {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
