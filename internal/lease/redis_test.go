package lease

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nanoscale/nanoscale/internal/domain"
)

// Runs against a real Redis when NANOSCALE_TEST_REDIS_ADDR is set.
func TestRedisLeaseLifecycle(t *testing.T) {
	addr := os.Getenv("NANOSCALE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NANOSCALE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	table, err := NewRedis(ctx, addr, "", 0, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer table.Close()

	key := "test-" + uuid.NewString()
	since := time.Now().Truncate(time.Millisecond)
	ok, _, err := table.TryAcquire(ctx, key, Holder{Kind: KindRun, Cause: domain.CauseWebhook, Since: since, Token: "a"}, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v", err)
	}
	ok, current, err := table.TryAcquire(ctx, key, Holder{Cause: domain.CauseManual, Since: time.Now(), Token: "b"}, 5*time.Second)
	if err != nil || ok {
		t.Fatalf("expected contention, got ok=%v err=%v", ok, err)
	}
	if current.Token != "a" || current.Kind != KindRun || current.Cause != domain.CauseWebhook || !current.Since.Equal(since) {
		t.Fatalf("unexpected holder %+v", current)
	}
	if err := table.Renew(ctx, key, "a", 5*time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := table.Release(ctx, key, "b"); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	if err := table.Release(ctx, key, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held, err := table.Current(ctx, key); err != nil || held {
		t.Fatalf("expected free lease, held=%v err=%v", held, err)
	}

	if _, seen, err := table.LastAccepted(ctx, key, domain.CauseWebhook); err != nil || seen {
		t.Fatalf("expected no acceptance yet, seen=%v err=%v", seen, err)
	}
	if err := table.MarkAccepted(ctx, key, domain.CauseWebhook, since, 5*time.Second); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
	at, seen, err := table.LastAccepted(ctx, key, domain.CauseWebhook)
	if err != nil || !seen || !at.Equal(since) {
		t.Fatalf("expected acceptance at %v, got %v seen=%v err=%v", since, at, seen, err)
	}
	if _, seen, _ := table.LastAccepted(ctx, key, domain.CauseManual); seen {
		t.Fatalf("acceptance must be recorded per cause")
	}
}

func TestDecodeHolder(t *testing.T) {
	h, err := decodeHolder([]any{"tok", "manual", "1700000000000", "exclusive"})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Token != "tok" || h.Kind != KindExclusive || h.Cause != domain.CauseManual || h.Since.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected holder %+v", h)
	}
	if _, err := decodeHolder("nope"); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
