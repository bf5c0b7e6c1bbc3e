// Package jointoken issues single-use, time-limited tokens that authorise a
// worker to join the cluster.
package jointoken

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/pkg/crypto"
)

// DefaultTTL is the lifetime of a join token.
const DefaultTTL = 10 * time.Minute

const tokenBytes = 32

var (
	// ErrUnknown means the token was never issued or has been swept.
	ErrUnknown = errors.New("join token unknown")
	// ErrExpired means the token outlived its TTL.
	ErrExpired = errors.New("join token expired")
	// ErrAlreadyUsed means the token was consumed by an earlier join.
	ErrAlreadyUsed = errors.New("join token already used")
)

// Token is an issued join token.
type Token struct {
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Consumed  bool
}

// Issuer keeps issued tokens in memory. Tokens are retained for one extra TTL
// after expiry so late attempts still report ErrExpired or ErrAlreadyUsed.
type Issuer struct {
	mu     sync.Mutex
	tokens map[string]*Token
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewIssuer returns an Issuer. A non-positive ttl uses DefaultTTL.
func NewIssuer(ttl time.Duration, logger *slog.Logger) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		tokens: make(map[string]*Token),
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "join_tokens"),
	}
}

// TTL reports the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a new token.
func (i *Issuer) Issue() (Token, error) {
	value, err := crypto.RandomToken(tokenBytes)
	if err != nil {
		return Token{}, err
	}
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.sweepLocked(now)
	tok := &Token{Value: value, CreatedAt: now, ExpiresAt: now.Add(i.ttl)}
	i.tokens[value] = tok
	i.logger.Info("join token issued", "expires_at", tok.ExpiresAt.UTC().Format(time.RFC3339))
	return *tok, nil
}

// Consume atomically validates and marks the token used. Expiry is checked
// before the consumed flag.
func (i *Issuer) Consume(value string) error {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	tok, ok := i.tokens[value]
	if !ok {
		return ErrUnknown
	}
	if now.After(tok.ExpiresAt) {
		return ErrExpired
	}
	if tok.Consumed {
		return ErrAlreadyUsed
	}
	tok.Consumed = true
	return nil
}

// Restore returns a consumed token to the unused state so a join that
// failed after consuming it can be retried. Expired or unknown tokens are
// left as they are.
func (i *Issuer) Restore(value string) {
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	tok, ok := i.tokens[value]
	if !ok || now.After(tok.ExpiresAt) || !tok.Consumed {
		return
	}
	tok.Consumed = false
	i.logger.Info("join token restored after failed join")
}

// Sweep drops tokens whose retention period has passed.
func (i *Issuer) Sweep() int {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sweepLocked(now)
}

func (i *Issuer) sweepLocked(now time.Time) int {
	removed := 0
	for value, tok := range i.tokens {
		if now.After(tok.ExpiresAt.Add(i.ttl)) {
			delete(i.tokens, value)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is cancelled.
func (i *Issuer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := i.Sweep(); n > 0 {
				i.logger.Debug("join tokens swept", "count", n)
			}
		}
	}
}
