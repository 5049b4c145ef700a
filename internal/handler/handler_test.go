package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

type fixture struct {
	cache   *cache.Cache
	ledger  *ledger.Ledger
	store   *database.MemoryStore
	writer  *StateWriter
	handler map[protocol.EventType]Handler
}

func newFixture() *fixture {
	l := ledger.New()
	c := cache.New(l, cache.Config{Enabled: true, CleanCapacity: 8, CleanTTL: time.Hour})
	store := database.NewMemoryStore()
	w := NewStateWriter(c, store)
	f := &fixture{cache: c, ledger: l, store: store, writer: w, handler: make(map[protocol.EventType]Handler)}
	for _, h := range All(w) {
		f.handler[h.Type()] = h
	}
	return f
}

func (f *fixture) run(t *testing.T, eventType protocol.EventType, owner, payload string) error {
	t.Helper()
	h := f.handler[eventType]
	cmd, err := h.Validate(json.RawMessage(payload))
	if err != nil {
		return err
	}
	return h.Apply(context.Background(), owner, cmd)
}

const itemPayload = `{"clientId":"inv__1","blueprintId":"bp_sword","type":"SWORD","rarity":"EPIC",
	"isEquipped":false,"level":2,"mainStat":{"statistic":"ATTACK_ADD","baseValue":5}}`

func TestAllCoversEveryInboundType(t *testing.T) {
	f := newFixture()
	for _, eventType := range protocol.InboundTypes() {
		if _, ok := f.handler[eventType]; !ok {
			t.Errorf("no handler for %s", eventType)
		}
	}
}

func TestValidationFailures(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name      string
		eventType protocol.EventType
		payload   string
	}{
		{"negative gold", protocol.CurrencyUpdate, `{"gold":-1}`},
		{"empty currency", protocol.CurrencyUpdate, `{}`},
		{"missing payload", protocol.StageUpdate, ``},
		{"null payload", protocol.StageUpdate, `null`},
		{"unknown field", protocol.CharacteristicsUpdate, `{"attack":1,"luck":3}`},
		{"wrong type", protocol.CharacteristicsUpdate, `{"attack":"high"}`},
		{"item without client id", protocol.InventoryItemCreate, `{"blueprintId":"bp"}`},
		{"item bad rarity", protocol.InventoryItemUpdate, `{"clientId":"a","blueprintId":"bp","type":"SWORD","rarity":"SHINY","isEquipped":true,"level":1,"mainStat":{"statistic":"ATTACK_ADD","baseValue":1}}`},
		{"delete without client id", protocol.InventoryItemDelete, `{"clientId":""}`},
		{"short nickname", protocol.GameSaveUpdateNickname, `{"nickname":"ab"}`},
	}
	for _, tt := range tests {
		_, err := f.handler[tt.eventType].Validate(json.RawMessage(tt.payload))
		if !state.IsValidation(err) {
			t.Errorf("%s: expected validation error, got %v", tt.name, err)
		}
	}
	if f.store.Writes() != 0 || len(f.ledger.Spaces()) != 0 {
		t.Fatal("validation must not touch any state")
	}
}

func TestPatchMergesIntoPersistedValue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_ = f.store.Save(ctx, state.KindCurrency, "owner", state.Currency{Gold: 10, Diamond: 3})

	if err := f.run(t, protocol.CurrencyUpdate, "owner", `{"gold":25}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := cache.GetAs[state.Currency](f.cache, state.KindCurrency, "owner")
	if got != (state.Currency{Gold: 25, Diamond: 3}) {
		t.Fatalf("unexpected currency %+v", got)
	}
	if f.ledger.State("CURRENCY", "owner") != ledger.Pending {
		t.Fatal("write must be pending flush")
	}
	if f.store.Writes() != 1 {
		t.Fatal("cached write must not reach the store synchronously")
	}
}

func TestStageUpdate(t *testing.T) {
	f := newFixture()
	if err := f.run(t, protocol.StageUpdate, "owner", `{"currentStage":10,"maxStage":20,"wave":3}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := cache.GetAs[state.Stage](f.cache, state.KindStage, "owner")
	if got != (state.Stage{CurrentStage: 10, MaxStage: 20, Wave: 3}) {
		t.Fatalf("unexpected stage %+v", got)
	}
}

func TestInventoryLifecycle(t *testing.T) {
	f := newFixture()

	if err := f.run(t, protocol.InventoryItemCreate, "owner", itemPayload); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := f.run(t, protocol.InventoryItemCreate, "owner", itemPayload)
	if !state.IsValidation(err) {
		t.Fatalf("duplicate create must be rejected, got %v", err)
	}
	inv, _ := cache.GetAs[state.Inventory](f.cache, state.KindInventory, "owner")
	if len(inv.Items) != 1 {
		t.Fatalf("duplicate create changed the inventory: %+v", inv)
	}

	updated := `{"clientId":"inv__1","blueprintId":"bp_sword","type":"SWORD","rarity":"EPIC",
		"isEquipped":true,"level":3,"mainStat":{"statistic":"ATTACK_ADD","baseValue":6}}`
	if err := f.run(t, protocol.InventoryItemUpdate, "owner", updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	inv, _ = cache.GetAs[state.Inventory](f.cache, state.KindInventory, "owner")
	if item := inv.Items["inv__1"]; !item.IsEquipped || item.Level != 3 {
		t.Fatalf("update not applied: %+v", item)
	}

	if err := f.run(t, protocol.InventoryItemDelete, "owner", `{"clientId":"inv__1"}`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := f.run(t, protocol.InventoryItemDelete, "owner", `{"clientId":"inv__1"}`); !state.IsValidation(err) {
		t.Fatalf("delete of missing item must be rejected, got %v", err)
	}
	if err := f.run(t, protocol.InventoryItemUpdate, "owner", updated); !state.IsValidation(err) {
		t.Fatalf("update of missing item must be rejected, got %v", err)
	}
}

func TestNickname(t *testing.T) {
	f := newFixture()
	if err := f.run(t, protocol.GameSaveUpdateNickname, "owner", `{"nickname":" knight-7 "}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := cache.GetAs[state.Metadata](f.cache, state.KindMetadata, "owner")
	if got.Nickname != "knight-7" {
		t.Fatalf("nickname %q", got.Nickname)
	}
}

func TestWriteThroughWhenCacheDisabled(t *testing.T) {
	f := newFixture()
	f.cache.SetEnabled(false)

	if err := f.run(t, protocol.CharacteristicsUpdate, "owner", `{"attack":7,"health":100}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ledger.State("CHARACTERISTICS", "owner") != ledger.Absent {
		t.Fatal("write-through must not enqueue")
	}
	stored, err := f.store.Load(context.Background(), state.KindCharacteristics, "owner")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.(state.Characteristics) != (state.Characteristics{Attack: 7, Health: 100}) {
		t.Fatalf("stored %+v", stored)
	}

	if err := f.run(t, protocol.CharacteristicsUpdate, "owner", `{"attack":9}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored, _ = f.store.Load(context.Background(), state.KindCharacteristics, "owner")
	if stored.(state.Characteristics) != (state.Characteristics{Attack: 9, Health: 100}) {
		t.Fatalf("second write did not merge: %+v", stored)
	}
}

func TestWriteThroughLocksAreReleased(t *testing.T) {
	f := newFixture()
	f.cache.SetEnabled(false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", i%3)
			if err := f.run(t, protocol.CurrencyUpdate, owner, `{"gold":1}`); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	f.writer.mu.Lock()
	n := len(f.writer.locks)
	f.writer.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d lock entries left after all writes finished", n)
	}
}

type failingGateway struct {
	database.Gateway
}

var errDown = errors.New("database down")

func (failingGateway) Load(context.Context, state.Kind, string) (any, error) {
	return nil, errDown
}

func TestLoadFailureAppliesNothing(t *testing.T) {
	l := ledger.New()
	c := cache.New(l, cache.Config{Enabled: true})
	h := NewStageHandler(NewStateWriter(c, failingGateway{}))

	cmd, err := h.Validate(json.RawMessage(`{"wave":1}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := h.Apply(context.Background(), "owner", cmd); !errors.Is(err, errDown) {
		t.Fatalf("expected load error, got %v", err)
	}
	if _, ok := c.Get(state.KindStage, "owner"); ok {
		t.Fatal("failed load must not create a cache entry")
	}
}
