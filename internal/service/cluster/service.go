// Package cluster implements the join handshake and the server registry.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/jointoken"
	"github.com/nanoscale/nanoscale/internal/service/secrets"
	signing "github.com/nanoscale/nanoscale/pkg/cluster"
	"github.com/nanoscale/nanoscale/pkg/metrics"
)

// DefaultLivenessWindow is how long a server may stay silent before it is marked offline.
const DefaultLivenessWindow = 90 * time.Second

// ErrInvalidJoinRequest marks malformed join payloads. The token is not consumed.
var ErrInvalidJoinRequest = errors.New("invalid join request")

// TokenConsumer validates and burns join tokens. Restore undoes a Consume
// whose join could not be completed.
type TokenConsumer interface {
	Consume(value string) error
	Restore(value string)
}

// JoinRequest is the payload a worker sends to join.
type JoinRequest struct {
	Token     string `json:"token"`
	IP        string `json:"ip"`
	SecretKey string `json:"secret_key"`
	Name      string `json:"name"`
}

// ServerView is a server without its secret.
type ServerView struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	IPAddress  string              `json:"ip_address"`
	Status     domain.ServerStatus `json:"status"`
	LastSeenAt *time.Time          `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Service runs the handshake and tracks server liveness.
type Service struct {
	servers  repository.ServerRepository
	tokens   TokenConsumer
	secrets  secrets.Store
	logger   *slog.Logger
	now      func() time.Time
	attempts *prometheus.CounterVec
}

// New constructs a Service.
func New(servers repository.ServerRepository, tokens TokenConsumer, store secrets.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		servers: servers,
		tokens:  tokens,
		secrets: store,
		logger:  logger.With("component", "cluster_handshake"),
		now:     time.Now,
		attempts: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "cluster",
			Name:      "join_attempts_total",
			Help:      "Join handshake attempts by result",
		}, []string{"result"}),
	}
}

// Join validates the request, consumes the token and registers the server.
// Malformed requests fail before the token is touched.
func (s *Service) Join(ctx context.Context, req JoinRequest) (domain.Server, error) {
	log := s.logger.With("attempt_id", uuid.NewString(), "ip", req.IP)
	log.Info("join stage", "stage", "received")

	normalized, err := normalizeJoin(req)
	if err != nil {
		s.reject(log, "invalid", err)
		return domain.Server{}, err
	}
	if err := s.tokens.Consume(normalized.Token); err != nil {
		s.reject(log, tokenResult(err), err)
		return domain.Server{}, err
	}
	log.Info("join stage", "stage", "token_validated")

	sealed, err := s.secrets.Seal(normalized.SecretKey)
	if err != nil {
		s.tokens.Restore(normalized.Token)
		s.reject(log, "error", err)
		return domain.Server{}, err
	}
	now := s.now().UTC()
	server := domain.Server{
		ID:         uuid.NewString(),
		Name:       normalized.Name,
		IPAddress:  normalized.IP,
		Status:     domain.ServerOnline,
		SecretKey:  sealed,
		LastSeenAt: &now,
		CreatedAt:  now,
	}
	if err := s.servers.CreateServer(ctx, &server); err != nil {
		s.tokens.Restore(normalized.Token)
		s.reject(log, "error", err)
		return domain.Server{}, fmt.Errorf("register server: %w", err)
	}
	log.Info("join stage", "stage", "server_registered", "server_id", server.ID, "name", server.Name)
	s.attempts.WithLabelValues("accepted").Inc()
	log.Info("join stage", "stage", "acknowledged", "server_id", server.ID)

	server.SecretKey = nil
	return server, nil
}

func (s *Service) reject(log *slog.Logger, result string, err error) {
	s.attempts.WithLabelValues(result).Inc()
	log.Warn("join stage", "stage", "rejected", "reason", result, "error", err)
}

func tokenResult(err error) string {
	switch {
	case errors.Is(err, jointoken.ErrUnknown):
		return "unknown_token"
	case errors.Is(err, jointoken.ErrExpired):
		return "expired_token"
	case errors.Is(err, jointoken.ErrAlreadyUsed):
		return "used_token"
	default:
		return "error"
	}
}

func normalizeJoin(req JoinRequest) (JoinRequest, error) {
	req.Token = strings.TrimSpace(req.Token)
	req.IP = strings.TrimSpace(req.IP)
	req.Name = strings.TrimSpace(req.Name)
	if req.Token == "" {
		return req, fmt.Errorf("%w: token is required", ErrInvalidJoinRequest)
	}
	if net.ParseIP(req.IP) == nil {
		return req, fmt.Errorf("%w: ip %q is not a valid address", ErrInvalidJoinRequest, req.IP)
	}
	if len(req.SecretKey) < signing.MinSecretBytes {
		return req, fmt.Errorf("%w: secret_key must be at least %d bytes", ErrInvalidJoinRequest, signing.MinSecretBytes)
	}
	if req.Name == "" {
		req.Name = "worker-" + req.IP
	}
	return req, nil
}

// Heartbeat marks a server online.
func (s *Service) Heartbeat(ctx context.Context, serverID string) error {
	if err := s.servers.TouchServer(ctx, serverID, s.now()); err != nil {
		return fmt.Errorf("heartbeat %s: %w", serverID, err)
	}
	return nil
}

// SweepLiveness marks servers offline when their last heartbeat is older than window.
func (s *Service) SweepLiveness(ctx context.Context, window time.Duration) (int64, error) {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	n, err := s.servers.MarkServersOffline(ctx, s.now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("sweep liveness: %w", err)
	}
	if n > 0 {
		s.logger.Warn("servers marked offline", "count", n, "window_seconds", int(window.Seconds()))
	}
	return n, nil
}

// RunLiveness sweeps every interval until ctx is cancelled.
func (s *Service) RunLiveness(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepLiveness(ctx, window); err != nil && ctx.Err() == nil {
				s.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// List returns registered servers without secrets.
func (s *Service) List(ctx context.Context) ([]ServerView, error) {
	servers, err := s.servers.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ServerView, 0, len(servers))
	for _, srv := range servers {
		views = append(views, ServerView{
			ID:         srv.ID,
			Name:       srv.Name,
			IPAddress:  srv.IPAddress,
			Status:     srv.Status,
			LastSeenAt: srv.LastSeenAt,
			CreatedAt:  srv.CreatedAt,
		})
	}
	return views, nil
}
