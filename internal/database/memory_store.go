package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

type memoryKey struct {
	kind  state.Kind
	owner string
}

// MemoryStore keeps records in process memory. Values are stored as JSON so
// callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[memoryKey][]byte
	mails   map[string]time.Time
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[memoryKey][]byte),
		mails:   make(map[string]time.Time),
	}
}

func (ms *MemoryStore) Save(ctx context.Context, kind state.Kind, ownerID string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ownerID == "" {
		return ErrOwnerIdEmpty
	}
	if err := checkValue(kind, value); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	ms.mu.Lock()
	ms.records[memoryKey{kind, ownerID}] = data
	ms.writes++
	ms.mu.Unlock()

	logger.DebugF("Memory store saved %s for %s", kind, ownerID)
	return nil
}

func (ms *MemoryStore) Load(ctx context.Context, kind state.Kind, ownerID string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	data, ok := ms.records[memoryKey{kind, ownerID}]
	ms.mu.RUnlock()
	if !ok {
		kind.MustValid()
		return nil, ErrNotFound
	}
	return decodeValue(kind, func(v any) error { return json.Unmarshal(data, v) })
}

func (ms *MemoryStore) FindAllDirtyCandidates(ctx context.Context, kind state.Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind.MustValid()

	ms.mu.RLock()
	var owners []string
	for key := range ms.records {
		if key.kind == kind {
			owners = append(owners, key.owner)
		}
	}
	ms.mu.RUnlock()

	sort.Strings(owners)
	return owners, nil
}

func (ms *MemoryStore) SaveMail(ctx context.Context, mail Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mail.ID == "" {
		return ErrMailIdEmpty
	}
	ms.mu.Lock()
	ms.mails[mail.ID] = mail.ExpiresAt
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) MailExpiries(ctx context.Context) ([]Mail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	mails := make([]Mail, 0, len(ms.mails))
	for id, expiresAt := range ms.mails {
		mails = append(mails, Mail{ID: id, ExpiresAt: expiresAt})
	}
	ms.mu.RUnlock()

	sort.Slice(mails, func(i, j int) bool { return mails[i].ID < mails[j].ID })
	return mails, nil
}

func (ms *MemoryStore) DeleteMail(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mu.Lock()
	delete(ms.mails, id)
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}

// Writes returns how many Save calls succeeded.
func (ms *MemoryStore) Writes() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.writes
}
