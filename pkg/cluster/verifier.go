package cluster

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanoscale/nanoscale/pkg/metrics"
)

// DefaultMaxSkew bounds the accepted distance between a signature timestamp and now.
const DefaultMaxSkew = 30 * time.Second

var (
	// ErrUnknownServer means no secret is registered for the claimed server id.
	ErrUnknownServer = errors.New("unknown cluster server")
	// ErrBadSignature covers malformed headers and HMAC mismatches.
	ErrBadSignature = errors.New("invalid cluster signature")
	// ErrStaleTimestamp means the signature timestamp is outside the skew window.
	ErrStaleTimestamp = errors.New("stale cluster signature timestamp")
)

// SecretLookup resolves the shared secret of a server. Implementations return
// ErrUnknownServer when the id is not registered.
type SecretLookup interface {
	SecretFor(ctx context.Context, serverID string) (string, error)
}

// SecretLookupFunc adapts a function to SecretLookup.
type SecretLookupFunc func(ctx context.Context, serverID string) (string, error)

// SecretFor calls f.
func (f SecretLookupFunc) SecretFor(ctx context.Context, serverID string) (string, error) {
	return f(ctx, serverID)
}

// StaticSecret answers only for a single server id. Workers use it to verify
// calls signed with their own secret.
func StaticSecret(serverID, secret string) SecretLookup {
	return SecretLookupFunc(func(_ context.Context, id string) (string, error) {
		if id == "" || id != serverID {
			return "", ErrUnknownServer
		}
		return secret, nil
	})
}

// Verifier checks signed inter-node requests.
type Verifier struct {
	lookup   SecretLookup
	maxSkew  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	failures *prometheus.CounterVec
}

// NewVerifier constructs a Verifier. A non-positive maxSkew uses DefaultMaxSkew.
func NewVerifier(lookup SecretLookup, maxSkew time.Duration, logger *slog.Logger) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		lookup:  lookup,
		maxSkew: maxSkew,
		logger:  logger.With("component", "signature_verifier"),
		now:     time.Now,
		failures: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "cluster",
			Name:      "signature_failures_total",
			Help:      "Rejected inter-node requests by failure kind",
		}, []string{"kind"}),
	}
}

// Verify authenticates a request given its raw header values. The timestamp
// window is checked before the secret lookup and the HMAC.
func (v *Verifier) Verify(ctx context.Context, serverID string, body []byte, timestamp, signature string) error {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" || strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: missing headers", ErrBadSignature)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}
	age := v.now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > v.maxSkew {
		return ErrStaleTimestamp
	}
	secret, err := v.lookup.SecretFor(ctx, serverID)
	if err != nil {
		if errors.Is(err, ErrUnknownServer) {
			return ErrUnknownServer
		}
		return fmt.Errorf("%w: %v", ErrUnknownServer, err)
	}
	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	expected, _ := hex.DecodeString(Sign(secret, body, ts))
	if !hmac.Equal(provided, expected) {
		return ErrBadSignature
	}
	return nil
}

type serverIDKey struct{}

// WithServerID stores a verified server id on ctx.
func WithServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, serverIDKey{}, serverID)
}

// ServerIDFromContext returns the server id verified by Middleware.
func ServerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(serverIDKey{}).(string)
	return id, ok && id != ""
}

// Middleware rejects requests whose cluster signature does not verify. The
// body is buffered, so handlers read it as usual.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, err := readLimitedBody(req)
		if err != nil {
			v.reject(w, req, "body", err)
			return
		}
		serverID := req.Header.Get(HeaderServerID)
		err = v.Verify(req.Context(), serverID, body, req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature))
		if err != nil {
			v.reject(w, req, failureKind(err), err)
			return
		}
		next.ServeHTTP(w, req.WithContext(WithServerID(req.Context(), strings.TrimSpace(serverID))))
	})
}

func (v *Verifier) reject(w http.ResponseWriter, req *http.Request, kind string, err error) {
	v.failures.WithLabelValues(kind).Inc()
	v.logger.Warn("cluster signature rejected",
		"kind", kind,
		"error", err,
		"path", req.URL.Path,
		"server_id", req.Header.Get(HeaderServerID),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, ErrUnknownServer):
		return "unknown_server"
	default:
		return "bad_signature"
	}
}
