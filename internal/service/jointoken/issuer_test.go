package jointoken

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIssuer() (*Issuer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	issuer := NewIssuer(0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	issuer.now = clock.Now
	return issuer, clock
}

func TestIssueProducesDistinctTokens(t *testing.T) {
	issuer, _ := newTestIssuer()
	a, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b, _ := issuer.Issue()
	if a.Value == b.Value {
		t.Fatalf("expected distinct tokens")
	}
	if len(a.Value) < 43 {
		t.Fatalf("expected at least 32 bytes of entropy, got %q", a.Value)
	}
	if got := a.ExpiresAt.Sub(a.CreatedAt); got != DefaultTTL {
		t.Fatalf("expected ttl %v, got %v", DefaultTTL, got)
	}
}

func TestConsumeIsSingleUse(t *testing.T) {
	issuer, _ := newTestIssuer()
	tok, _ := issuer.Issue()
	if err := issuer.Consume(tok.Value); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := issuer.Consume(tok.Value); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
	if err := issuer.Consume("never-issued"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestConsumeConcurrentOnlyOneWins(t *testing.T) {
	issuer, _ := newTestIssuer()
	tok, _ := issuer.Issue()

	const attempts = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	start := make(chan struct{})
	for n := 0; n < attempts; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := issuer.Consume(tok.Value)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyUsed):
				used++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if successes != 1 || used != attempts-1 {
		t.Fatalf("expected 1 success and %d already-used, got %d and %d", attempts-1, successes, used)
	}
}

func TestExpiryScenario(t *testing.T) {
	issuer, clock := newTestIssuer()
	tok, _ := issuer.Issue()

	clock.Advance(9*time.Minute + 59*time.Second)
	if err := issuer.Consume(tok.Value); err != nil {
		t.Fatalf("expected success before expiry, got %v", err)
	}

	other, _ := issuer.Issue()
	clock.Advance(10*time.Minute + time.Second)
	if err := issuer.Consume(other.Value); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// Expiry wins over the consumed flag.
	if err := issuer.Consume(tok.Value); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired for consumed-then-expired token, got %v", err)
	}
}

func TestSweepForgetsTokensAfterRetention(t *testing.T) {
	issuer, clock := newTestIssuer()
	tok, _ := issuer.Issue()

	clock.Advance(DefaultTTL + time.Minute)
	if n := issuer.Sweep(); n != 0 {
		t.Fatalf("expected expired token to be retained, swept %d", n)
	}
	if err := issuer.Consume(tok.Value); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired during retention, got %v", err)
	}
	clock.Advance(DefaultTTL)
	if n := issuer.Sweep(); n != 1 {
		t.Fatalf("expected one token swept, got %d", n)
	}
	if err := issuer.Consume(tok.Value); !errors.Is(err, ErrUnknown) {
		t.Fatalf("expected ErrUnknown after sweep, got %v", err)
	}
}

func TestJoinTokenTimeline(t *testing.T) {
	issuer, clock := newTestIssuer()
	t1, _ := issuer.Issue()

	clock.Advance(9 * time.Minute)
	if err := issuer.Consume(t1.Value); err != nil {
		t.Fatalf("t0+9m: expected success, got %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := issuer.Consume(t1.Value); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("t0+9m30s: expected ErrAlreadyUsed, got %v", err)
	}
	clock.Advance(90 * time.Second)
	if err := issuer.Consume(t1.Value); !errors.Is(err, ErrExpired) {
		t.Fatalf("t0+11m: expected ErrExpired, got %v", err)
	}
}

func TestRestoreReopensConsumedToken(t *testing.T) {
	issuer, clock := newTestIssuer()
	tok, _ := issuer.Issue()
	if err := issuer.Consume(tok.Value); err != nil {
		t.Fatalf("consume: %v", err)
	}
	issuer.Restore(tok.Value)
	if err := issuer.Consume(tok.Value); err != nil {
		t.Fatalf("consume after restore: %v", err)
	}

	issuer.Restore(tok.Value)
	clock.Advance(DefaultTTL + time.Second)
	issuer.Restore(tok.Value)
	if err := issuer.Consume(tok.Value); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired token to stay expired, got %v", err)
	}
	issuer.Restore("never-issued")
}
