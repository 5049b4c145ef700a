package cache

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/ledger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

func newTestCache() (*Cache, *ledger.Ledger) {
	l := ledger.New()
	return New(l, Config{Enabled: true, CleanCapacity: 16, CleanTTL: time.Hour}), l
}

func TestSetMarksDirtyBeforeReturn(t *testing.T) {
	c, l := newTestCache()
	c.Set(state.KindCurrency, "save-1", state.Currency{Gold: 10})

	if l.State("CURRENCY", "save-1") != ledger.Pending {
		t.Fatal("set must enqueue the key")
	}
	got, ok := GetAs[state.Currency](c, state.KindCurrency, "save-1")
	if !ok || got.Gold != 10 {
		t.Fatalf("unexpected value %+v, %v", got, ok)
	}
	if dirty := c.ListDirty(state.KindCurrency); !slices.Equal(dirty, []string{"save-1"}) {
		t.Fatalf("dirty %v", dirty)
	}
}

func TestUpdateErrorLeavesStateUnchanged(t *testing.T) {
	c, l := newTestCache()
	c.Set(state.KindStage, "save-1", state.Stage{Wave: 1})
	claims := l.ClaimBatch("STAGE", 10)
	l.Release("STAGE", claims[0], ledger.Success)

	boom := errors.New("boom")
	_, err := c.Update(state.KindStage, "save-1", func(any, bool) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if l.State("STAGE", "save-1") != ledger.Absent {
		t.Fatal("failed update must not enqueue")
	}
	if got, _ := GetAs[state.Stage](c, state.KindStage, "save-1"); got.Wave != 1 {
		t.Fatalf("value changed to %+v", got)
	}
}

func TestWriteDuringFlushIsRedirtied(t *testing.T) {
	c, l := newTestCache()
	first := c.Set(state.KindStage, "save-1", state.Stage{Wave: 1})
	claims := l.ClaimBatch("STAGE", 10)

	c.Set(state.KindStage, "save-1", state.Stage{Wave: 2})
	if l.Release("STAGE", claims[0], ledger.Success) != true {
		t.Fatal("key written mid-flush must be pending again")
	}
	if c.Settle(state.KindStage, "save-1", first.Version) {
		t.Fatal("settle must refuse a version that was overwritten")
	}
	if got, _ := GetAs[state.Stage](c, state.KindStage, "save-1"); got.Wave != 2 {
		t.Fatalf("latest write lost, got %+v", got)
	}
}

func TestSettleMovesToCleanTier(t *testing.T) {
	c, l := newTestCache()
	entry := c.Set(state.KindCurrency, "save-1", state.Currency{Gold: 5})
	claims := l.ClaimBatch("CURRENCY", 1)
	l.Release("CURRENCY", claims[0], ledger.Success)

	if !c.Settle(state.KindCurrency, "save-1", entry.Version) {
		t.Fatal("expected settle to succeed")
	}
	stats := c.Stats()["CURRENCY"]
	if stats.Hot != 0 || stats.Clean != 1 || stats.Dirty != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	next := c.Set(state.KindCurrency, "save-1", state.Currency{Gold: 6})
	if next.Version != entry.Version+1 {
		t.Fatalf("version must continue from the clean entry, got %d", next.Version)
	}

	c.ClearClean()
	if _, ok := c.Get(state.KindCurrency, "save-1"); !ok {
		t.Fatal("clear clean must keep dirty entries")
	}
}

func TestRefreshDoesNotEnqueue(t *testing.T) {
	c, l := newTestCache()
	c.Refresh(state.KindStage, "save-1", state.Stage{MaxStage: 9})
	if l.State("STAGE", "save-1") != ledger.Absent {
		t.Fatal("refresh must not enqueue")
	}
	if got, ok := GetAs[state.Stage](c, state.KindStage, "save-1"); !ok || got.MaxStage != 9 {
		t.Fatalf("unexpected value %+v", got)
	}
}

func TestRefreshOfClaimedKeyRedirties(t *testing.T) {
	c, l := newTestCache()
	old := c.Set(state.KindCurrency, "save-1", state.Currency{Gold: 1})
	claims := l.ClaimBatch("CURRENCY", 1)

	// 刷新中的 key 被直写覆盖，旧值的保存结束后必须再刷一次
	c.Refresh(state.KindCurrency, "save-1", state.Currency{Gold: 2})
	if !l.Release("CURRENCY", claims[0], ledger.Success) {
		t.Fatal("refreshed key must be pending again after the in-flight flush")
	}
	if c.Settle(state.KindCurrency, "save-1", old.Version) {
		t.Fatal("settle must refuse the overwritten version")
	}
	if got, _ := GetAs[state.Currency](c, state.KindCurrency, "save-1"); got.Gold != 2 {
		t.Fatalf("latest value lost, got %+v", got)
	}
	if stats := c.Stats()["CURRENCY"]; stats.Hot != 1 || stats.Dirty != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRefreshOfPendingKeyStaysHot(t *testing.T) {
	c, l := newTestCache()
	c.Set(state.KindStage, "save-1", state.Stage{Wave: 1})
	c.Refresh(state.KindStage, "save-1", state.Stage{Wave: 2})

	if l.State("STAGE", "save-1") != ledger.Pending {
		t.Fatal("pending key must stay scheduled")
	}
	if stats := c.Stats()["STAGE"]; stats.Hot != 1 || stats.Clean != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestInventoryValuesAreNotAliased(t *testing.T) {
	c, _ := newTestCache()
	inv := state.NewInventory()
	inv.Items["a"] = state.Item{ClientID: "a", Level: 1}
	c.Set(state.KindInventory, "save-1", inv)

	inv.Items["b"] = state.Item{ClientID: "b"}
	got, _ := GetAs[state.Inventory](c, state.KindInventory, "save-1")
	if got.Has("b") {
		t.Fatal("cache shares the caller's map")
	}
	got.Items["c"] = state.Item{ClientID: "c"}
	again, _ := GetAs[state.Inventory](c, state.KindInventory, "save-1")
	if again.Has("c") {
		t.Fatal("cache leaks its internal map")
	}
}

func TestToggle(t *testing.T) {
	c, _ := newTestCache()
	if !c.Enabled() {
		t.Fatal("cache should start enabled")
	}
	if c.Toggle() || c.Enabled() {
		t.Fatal("toggle should disable")
	}
	if !c.Toggle() {
		t.Fatal("toggle should enable again")
	}
	c.SetEnabled(false)
	if c.Enabled() {
		t.Fatal("SetEnabled(false) ignored")
	}
}

func TestUnknownKindPanics(t *testing.T) {
	c, _ := newTestCache()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	c.Get(state.Kind(42), "x")
}

func TestConcurrentUpdatesAreSerialised(t *testing.T) {
	c, _ := newTestCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Update(state.KindCurrency, "save-1", func(current any, found bool) (any, error) {
				cur := state.Currency{}
				if found {
					cur = current.(state.Currency)
				}
				cur.Gold++
				return cur, nil
			})
		}()
	}
	wg.Wait()

	got, _ := GetAs[state.Currency](c, state.KindCurrency, "save-1")
	if got.Gold != 50 {
		t.Fatalf("gold = %d, want 50", got.Gold)
	}
}
