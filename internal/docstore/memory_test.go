package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type doc struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "c", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.Update(ctx, "c", "a", map[string]any{"status": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: expected ErrNotFound, got %v", err)
	}
	if err := m.Create(ctx, "c", "a", doc{Status: "open", Version: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.Create(ctx, "c", "a", doc{}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := m.Merge(ctx, "c", "a", map[string]any{"extra": true}); err != nil {
		t.Fatal(err)
	}
	snap, err := m.Get(ctx, "c", "a")
	if err != nil {
		t.Fatal(err)
	}
	var d doc
	if err := snap.DataTo(&d); err != nil {
		t.Fatal(err)
	}
	if d.Status != "open" || d.Version != 1 || snap.Data["extra"] != true {
		t.Fatalf("unexpected document %+v %v", d, snap.Data)
	}

	if err := m.Set(ctx, "c", "a", doc{Status: "closed"}); err != nil {
		t.Fatal(err)
	}
	snap, _ = m.Get(ctx, "c", "a")
	if _, ok := snap.Data["extra"]; ok {
		t.Fatal("set should overwrite the whole document")
	}

	list, err := m.List(ctx, "c")
	if err != nil || len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("unexpected list %v %v", list, err)
	}
}

func TestMemoryUpdateIf(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "c", "a", doc{Status: "open", Version: 3})

	if err := m.UpdateIf(ctx, "c", "a", map[string]any{"status": "accepted"}, map[string]any{"status": "started"}); !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	// int64 condition must match the stored number.
	if err := m.UpdateIf(ctx, "c", "a", map[string]any{"status": "open", "version": int64(3)}, map[string]any{"status": "accepted", "version": 4}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := m.UpdateIf(ctx, "c", "missing", map[string]any{"status": "open"}, map[string]any{"status": "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateIfExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "rides", "r1", map[string]any{"status": "open"})

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.UpdateIf(ctx, "rides", "r1", map[string]any{"status": "open"}, map[string]any{"status": "accepted"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrPreconditionFailed) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestMemorySubscribeDeliversInitialThenChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "c", "a", doc{Status: "s0"})

	got := make(chan string, 16)
	sub, err := m.Subscribe(ctx, "c", "a", func(s Snapshot) {
		var d doc
		if s.Exists {
			_ = s.DataTo(&d)
		}
		got <- d.Status
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	for i := 1; i <= 5; i++ {
		_ = m.Update(ctx, "c", "a", map[string]any{"status": "s" + string(rune('0'+i))})
	}
	want := []string{"s0", "s1", "s2", "s3", "s4", "s5"}
	for _, w := range want {
		select {
		case s := <-got:
			if s != w {
				t.Fatalf("expected %s, got %s", w, s)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", w)
		}
	}
}

func TestMemorySubscribeMissingDocument(t *testing.T) {
	m := NewMemory()
	got := make(chan Snapshot, 1)
	sub, err := m.Subscribe(context.Background(), "c", "none", func(s Snapshot) { got <- s })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()
	select {
	case s := <-got:
		if s.Exists {
			t.Fatal("expected missing snapshot")
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
}

func TestMemoryCancelStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	_ = m.Set(ctx, "c", "a", doc{Status: "s0"})

	var mu sync.Mutex
	count := 0
	first := make(chan struct{})
	_, err := m.Subscribe(ctx, "c", "a", func(Snapshot) {
		mu.Lock()
		count++
		if count == 1 {
			close(first)
		}
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	<-first
	cancel()
	time.Sleep(20 * time.Millisecond)
	_ = m.Update(context.Background(), "c", "a", map[string]any{"status": "s1"})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("expected delivery to stop after cancel, got %d callbacks", count)
	}
}

func TestListenerMayWriteWithoutDeadlock(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "c", "a", doc{Status: "open"})
	done := make(chan struct{})
	sub, _ := m.Subscribe(ctx, "c", "a", func(s Snapshot) {
		var d doc
		_ = s.DataTo(&d)
		if d.Status == "open" {
			_ = m.Update(ctx, "c", "a", map[string]any{"status": "seen"})
			return
		}
		close(done)
	})
	defer sub.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener write deadlocked")
	}
}
