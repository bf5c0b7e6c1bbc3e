package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nanoscale/nanoscale/pkg/api/client"
	"github.com/nanoscale/nanoscale/pkg/cluster"
	"github.com/nanoscale/nanoscale/pkg/crypto"
)

// secretBytes yields a 64 hex character shared secret.
const secretBytes = 32

// Joiner performs the join call against the orchestrator.
type Joiner interface {
	Join(ctx context.Context, input client.JoinInput) (string, error)
}

// EnrollRequest carries what the operator supplies when joining a worker.
type EnrollRequest struct {
	Token           string
	IP              string
	Name            string
	OrchestratorURL string
	StatePath       string
}

// Enroll joins the cluster once and persists the identity. An existing
// identity is returned unchanged and the token is not spent.
func Enroll(ctx context.Context, joiner Joiner, req EnrollRequest, logger *slog.Logger) (Identity, error) {
	if existing, err := LoadIdentity(req.StatePath); err == nil {
		logger.Info("worker already enrolled", "server_id", existing.ServerID)
		return existing, nil
	} else if !errors.Is(err, ErrNotEnrolled) {
		return Identity{}, err
	}
	if strings.TrimSpace(req.Token) == "" {
		return Identity{}, errors.New("join token required")
	}
	secret, err := crypto.RandomHex(secretBytes)
	if err != nil {
		return Identity{}, fmt.Errorf("generate worker secret: %w", err)
	}
	serverID, err := joiner.Join(ctx, client.JoinInput{
		Token:     strings.TrimSpace(req.Token),
		IP:        req.IP,
		SecretKey: secret,
		Name:      req.Name,
	})
	if err != nil {
		return Identity{}, fmt.Errorf("join cluster: %w", err)
	}
	id := Identity{
		ServerID:        serverID,
		SecretKey:       secret,
		OrchestratorURL: req.OrchestratorURL,
		Name:            req.Name,
		IP:              req.IP,
		JoinedAt:        time.Now().UTC(),
	}
	if err := SaveIdentity(req.StatePath, id); err != nil {
		return Identity{}, err
	}
	logger.Info("worker enrolled", "server_id", serverID, "orchestrator", req.OrchestratorURL)
	return id, nil
}

// Heartbeater sends signed liveness pings to the orchestrator.
type Heartbeater struct {
	client *cluster.Client
	every  time.Duration
	logger *slog.Logger
}

// NewHeartbeater builds a Heartbeater for id.
func NewHeartbeater(id Identity, every time.Duration, httpClient *http.Client, logger *slog.Logger) (*Heartbeater, error) {
	signer, err := cluster.NewSigner(id.ServerID, id.SecretKey)
	if err != nil {
		return nil, err
	}
	c, err := cluster.NewClient(id.OrchestratorURL, signer, httpClient)
	if err != nil {
		return nil, err
	}
	if every <= 0 {
		every = 30 * time.Second
	}
	return &Heartbeater{client: c, every: every, logger: logger.With("component", "heartbeat")}, nil
}

// Beat sends one heartbeat.
func (h *Heartbeater) Beat(ctx context.Context) error {
	return h.client.Do(ctx, http.MethodPost, "/internal/heartbeat", struct{}{}, nil)
}

// Run beats immediately and then every interval until ctx ends.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("heartbeat failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
