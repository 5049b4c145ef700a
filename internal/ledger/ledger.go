// Package ledger tracks which keys still have to be persisted. Every space
// (one per state kind, plus time-boxed records such as mail) holds two
// disjoint sets: Pending, ordered by first-dirtied time, and Processing, the
// keys a flush worker has claimed but not yet released.
package ledger

import (
	"container/heap"
	"slices"
	"sort"
	"sync"
	"time"
)

type KeyState int

const (
	Absent KeyState = iota
	Pending
	Processing
)

func (s KeyState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Processing:
		return "PROCESSING"
	default:
		return "ABSENT"
	}
}

type EnqueueResult int

const (
	// Enqueued means the key was clean and is now Pending.
	Enqueued EnqueueResult = iota
	// AlreadyPending means the key was already waiting; nothing changed.
	AlreadyPending
	// Redirtied means the key is being flushed and will be queued again once
	// the in-flight flush is released.
	Redirtied
)

type Outcome int

const (
	Success Outcome = iota
	Failure
)

// Claim is one key handed to a worker. ID tells apart successive claims of
// the same key, so a worker whose claim was recovered cannot release the
// claim of the worker that took the key over.
type Claim struct {
	Key string
	ID  uint64
}

// Keys returns the claimed keys in claim order.
func Keys(claims []Claim) []string {
	keys := make([]string, len(claims))
	for i, c := range claims {
		keys[i] = c.Key
	}
	return keys
}

type claim struct {
	id           uint64
	score        int64
	claimedAt    time.Time
	redirty      bool
	redirtyScore int64
}

type space struct {
	mu         sync.Mutex
	pending    pendingQueue
	index      map[string]*pendingItem
	processing map[string]*claim
	seq        uint64
	claimSeq   uint64
}

func newSpace() *space {
	return &space{
		index:      make(map[string]*pendingItem),
		processing: make(map[string]*claim),
	}
}

// push adds key to Pending or lowers its score. Caller holds s.mu.
func (s *space) push(key string, score int64) bool {
	if item, ok := s.index[key]; ok {
		if score < item.score {
			item.score = score
			heap.Fix(&s.pending, item.index)
		}
		return false
	}
	s.seq++
	item := &pendingItem{key: key, score: score, seq: s.seq}
	heap.Push(&s.pending, item)
	s.index[key] = item
	return true
}

func (s *space) pop() *pendingItem {
	item := heap.Pop(&s.pending).(*pendingItem)
	delete(s.index, item.key)
	return item
}

type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Redirty    int `json:"redirty"`
}

// Ledger is safe for concurrent use. Operations on different spaces never
// contend with each other.
type Ledger struct {
	mu     sync.RWMutex
	spaces map[string]*space
	now    func() time.Time
}

type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		spaces: make(map[string]*space),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) space(name string) *space {
	l.mu.RLock()
	s, ok := l.spaces[name]
	l.mu.RUnlock()
	if ok {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok = l.spaces[name]; !ok {
		s = newSpace()
		l.spaces[name] = s
	}
	return s
}

// Enqueue marks key dirty using the current time as its score.
func (l *Ledger) Enqueue(spaceName, key string) EnqueueResult {
	return l.EnqueueAt(spaceName, key, l.now())
}

// EnqueueAt marks key dirty with an explicit score. A key that is already
// Pending keeps the earlier of the two scores.
func (l *Ledger) EnqueueAt(spaceName, key string, at time.Time) EnqueueResult {
	s := l.space(spaceName)
	score := at.UnixNano()

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.processing[key]; ok {
		if !c.redirty || score < c.redirtyScore {
			c.redirtyScore = score
		}
		c.redirty = true
		return Redirtied
	}
	if s.push(key, score) {
		return Enqueued
	}
	return AlreadyPending
}

// ClaimBatch moves up to limit of the oldest Pending keys to Processing in
// one step and returns them. Two concurrent callers never receive the same key.
func (l *Ledger) ClaimBatch(spaceName string, limit int) []Claim {
	return l.claim(spaceName, limit, func(*pendingItem) bool { return true })
}

// ClaimDue is ClaimBatch restricted to keys whose score is not after cutoff.
func (l *Ledger) ClaimDue(spaceName string, cutoff time.Time, limit int) []Claim {
	bound := cutoff.UnixNano()
	return l.claim(spaceName, limit, func(item *pendingItem) bool { return item.score <= bound })
}

func (l *Ledger) claim(spaceName string, limit int, eligible func(*pendingItem) bool) []Claim {
	if limit <= 0 {
		return nil
	}
	s := l.space(spaceName)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var claims []Claim
	for len(claims) < limit && s.pending.Len() > 0 && eligible(s.pending[0]) {
		item := s.pop()
		s.claimSeq++
		s.processing[item.key] = &claim{id: s.claimSeq, score: item.score, claimedAt: now}
		claims = append(claims, Claim{Key: item.key, ID: s.claimSeq})
	}
	return claims
}

// Release ends the in-flight flush of key. On success the key becomes clean
// unless it was redirtied meanwhile. On failure it goes back to Pending with
// its original score. The result reports whether the key is Pending again.
// A claim that is no longer current, because RecoverStale took it back, is
// ignored.
func (l *Ledger) Release(spaceName string, cl Claim, outcome Outcome) bool {
	s := l.space(spaceName)
	key := cl.Key

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.processing[key]
	if !ok || c.id != cl.ID {
		return false
	}
	delete(s.processing, key)

	switch {
	case outcome == Failure:
		score := c.score
		if c.redirty && c.redirtyScore < score {
			score = c.redirtyScore
		}
		s.push(key, score)
		return true
	case c.redirty:
		s.push(key, c.redirtyScore)
		return true
	default:
		return false
	}
}

// RecoverStale returns keys that have been Processing for longer than
// maxResidency to Pending, as if their flush had failed. It covers workers
// that claimed keys and never released them.
func (l *Ledger) RecoverStale(spaceName string, maxResidency time.Duration) []string {
	s := l.space(spaceName)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var recovered []string
	for key, c := range s.processing {
		if now.Sub(c.claimedAt) <= maxResidency {
			continue
		}
		score := c.score
		if c.redirty && c.redirtyScore < score {
			score = c.redirtyScore
		}
		delete(s.processing, key)
		s.push(key, score)
		recovered = append(recovered, key)
	}
	sort.Strings(recovered)
	return recovered
}

// Forget drops key from both sets.
func (l *Ledger) Forget(spaceName, key string) {
	s := l.space(spaceName)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processing, key)
	if item, ok := s.index[key]; ok {
		heap.Remove(&s.pending, item.index)
		delete(s.index, key)
	}
}

func (l *Ledger) State(spaceName, key string) KeyState {
	s := l.space(spaceName)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processing[key]; ok {
		return Processing
	}
	if _, ok := s.index[key]; ok {
		return Pending
	}
	return Absent
}

// Pending returns the Pending keys oldest first.
func (l *Ledger) Pending(spaceName string) []string {
	s := l.space(spaceName)

	s.mu.Lock()
	items := make([]pendingItem, len(s.pending))
	for i, item := range s.pending {
		items[i] = *item
	}
	s.mu.Unlock()

	slices.SortFunc(items, func(a, b pendingItem) int {
		if a.score != b.score {
			if a.score < b.score {
				return -1
			}
			return 1
		}
		if a.seq < b.seq {
			return -1
		}
		return 1
	})
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.key
	}
	return keys
}

// Processing returns the claimed keys in lexical order.
func (l *Ledger) Processing(spaceName string) []string {
	s := l.space(spaceName)

	s.mu.Lock()
	keys := make([]string, 0, len(s.processing))
	for key := range s.processing {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Dirty returns every key that is Pending or Processing.
func (l *Ledger) Dirty(spaceName string) []string {
	keys := append(l.Pending(spaceName), l.Processing(spaceName)...)
	sort.Strings(keys)
	return slices.Compact(keys)
}

func (l *Ledger) Stats(spaceName string) Stats {
	s := l.space(spaceName)

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Pending: s.pending.Len(), Processing: len(s.processing)}
	for _, c := range s.processing {
		if c.redirty {
			stats.Redirty++
		}
	}
	return stats
}

func (l *Ledger) Spaces() []string {
	l.mu.RLock()
	names := make([]string, 0, len(l.spaces))
	for name := range l.spaces {
		names = append(names, name)
	}
	l.mu.RUnlock()

	sort.Strings(names)
	return names
}
