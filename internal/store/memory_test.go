package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type rec struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
	Count  int    `json:"count"`
}

func TestMemoryGetMissing(t *testing.T) {
	m := NewMemory()
	var out rec
	found, err := m.Get(context.Background(), "drivers/none", &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestMemoryMergeOnlyTouchesGivenFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "drivers/a", rec{Name: "abe", Online: true, Count: 3}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Merge(ctx, "drivers/a", map[string]any{"online": false}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	var out rec
	if found, _ := m.Get(ctx, "drivers/a", &out); !found {
		t.Fatal("record vanished")
	}
	if out.Online {
		t.Fatal("merge did not apply")
	}
	if out.Name != "abe" || out.Count != 3 {
		t.Fatalf("merge clobbered other fields: %+v", out)
	}
}

func TestMemoryListDirectChildrenOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "trips/t1", rec{Name: "one"})
	_ = m.Set(ctx, "trips/t2", rec{Name: "two"})
	_ = m.Set(ctx, "trips/t1/locations/p1", rec{Name: "nested"})
	_ = m.Set(ctx, "other/t3", rec{Name: "three"})

	children, err := m.List(ctx, "trips")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d: %v", len(children), children)
	}
	var one rec
	if err := json.Unmarshal(children["t1"], &one); err != nil || one.Name != "one" {
		t.Fatalf("bad child t1: %v %v", one, err)
	}
}

func TestMemorySetIfAbsentClaimsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first, err := m.SetIfAbsent(ctx, "claims/p1", map[string]any{"driver": "d1"})
	if err != nil || !first {
		t.Fatalf("first claim should succeed: %v %v", first, err)
	}
	second, err := m.SetIfAbsent(ctx, "claims/p1", map[string]any{"driver": "d2"})
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if second {
		t.Fatal("second claim should lose")
	}
	var out map[string]string
	_, _ = m.Get(ctx, "claims/p1", &out)
	if out["driver"] != "d1" {
		t.Fatalf("winner overwritten: %v", out)
	}
}

func TestMemoryWatchDeliversSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	ch, err := m.Watch(ctx, "passengers_location")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	_ = m.Set(ctx, "passengers_location/p1", rec{Name: "pat", Online: true})

	select {
	case ev := <-ch:
		if ev.Path != "passengers_location" {
			t.Fatalf("wrong path: %s", ev.Path)
		}
		if _, ok := ev.Children["p1"]; !ok {
			t.Fatalf("snapshot missing p1: %v", ev.Children)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPushKeysSortInCreationOrder(t *testing.T) {
	base := time.Now()
	k1 := PushKey(base)
	k2 := PushKey(base.Add(5 * time.Millisecond))
	if !(k1 < k2) {
		t.Fatalf("keys out of order: %s >= %s", k1, k2)
	}
}
