package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

func TestMemoryAcquireIsExclusive(t *testing.T) {
	table := NewMemory()
	ctx := context.Background()
	first := Holder{Cause: domain.CauseWebhook, Since: time.Now(), Token: "a"}

	ok, _, err := table.TryAcquire(ctx, "p1", first, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to win: %v", err)
	}
	ok, current, err := table.TryAcquire(ctx, "p1", Holder{Cause: domain.CauseManual, Token: "b"}, time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail")
	}
	if current.Token != "a" || current.Cause != domain.CauseWebhook {
		t.Fatalf("expected current holder a/webhook, got %+v", current)
	}
	if ok, _, _ := table.TryAcquire(ctx, "p2", Holder{Token: "c"}, time.Minute); !ok {
		t.Fatalf("different keys must not contend")
	}
}

func TestMemoryReleaseRequiresOwner(t *testing.T) {
	table := NewMemory()
	ctx := context.Background()
	table.TryAcquire(ctx, "p1", Holder{Token: "a"}, time.Minute)

	if err := table.Release(ctx, "p1", "b"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if err := table.Release(ctx, "p1", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, _ := table.Current(ctx, "p1"); held {
		t.Fatalf("expected lease to be free")
	}
}

func TestMemoryExpiryAndRenew(t *testing.T) {
	table := NewMemory()
	now := time.Unix(1000, 0)
	table.now = func() time.Time { return now }
	ctx := context.Background()

	table.TryAcquire(ctx, "p1", Holder{Token: "a"}, 10*time.Second)
	now = now.Add(8 * time.Second)
	if err := table.Renew(ctx, "p1", "a", 10*time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	now = now.Add(8 * time.Second)
	if ok, _, _ := table.TryAcquire(ctx, "p1", Holder{Token: "b"}, 10*time.Second); ok {
		t.Fatalf("renewed lease should still be held")
	}
	now = now.Add(3 * time.Second)
	if err := table.Renew(ctx, "p1", "a", 10*time.Second); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected expired lease renewal to fail, got %v", err)
	}
	if ok, _, _ := table.TryAcquire(ctx, "p1", Holder{Token: "b"}, 10*time.Second); !ok {
		t.Fatalf("expired lease should be acquirable")
	}
}

func TestMemoryConcurrentAcquireSingleWinner(t *testing.T) {
	table := NewMemory()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _, _ := table.TryAcquire(context.Background(), "p1", Holder{Token: string(rune('a' + i))}, time.Minute)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestMemoryAcceptanceExpires(t *testing.T) {
	table := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return now }
	ctx := context.Background()

	if err := table.MarkAccepted(ctx, "p1", domain.CauseWebhook, now, 5*time.Second); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
	at, seen, _ := table.LastAccepted(ctx, "p1", domain.CauseWebhook)
	if !seen || !at.Equal(now) {
		t.Fatalf("expected acceptance at %v, got %v seen=%v", now, at, seen)
	}
	if _, seen, _ := table.LastAccepted(ctx, "p1", domain.CauseManual); seen {
		t.Fatalf("acceptance must be recorded per cause")
	}
	now = now.Add(6 * time.Second)
	if _, seen, _ := table.LastAccepted(ctx, "p1", domain.CauseWebhook); seen {
		t.Fatalf("expected acceptance to expire")
	}
}
