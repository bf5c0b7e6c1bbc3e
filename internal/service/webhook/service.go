// Package webhook ingests GitHub push deliveries and hands matching projects
// to the redeploy coordinator exactly once per delivery id.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
	"github.com/nanoscale/nanoscale/internal/service/secrets"
	"github.com/nanoscale/nanoscale/pkg/metrics"
)

// GitHub header names.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

const (
	signaturePrefix     = "sha256="
	branchRefPrefix     = "refs/heads/"
	defaultClaimTimeout = 10 * time.Minute
)

var (
	// ErrInvalidSignature means no known secret produced the delivery signature.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingHeaders means the delivery or event header is absent.
	ErrMissingHeaders = errors.New("missing webhook headers")
	// ErrMalformedPayload means the body is not a JSON object.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Result classifies how a delivery was handled.
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultUnmatched Result = "unmatched"
	ResultBusy      Result = "busy"
	ResultFailed    Result = "failed"
)

// Trigger admits redeploys.
type Trigger interface {
	Trigger(ctx context.Context, projectID string, cause domain.TriggerCause, corr redeploy.Correlation) (redeploy.Outcome, error)
}

// Delivery is an inbound webhook request.
type Delivery struct {
	Event      string
	DeliveryID string
	Signature  string
	Body       []byte
}

// ProjectOutcome is the admission result for one bound project.
type ProjectOutcome struct {
	ProjectID string           `json:"project_id"`
	Outcome   redeploy.Outcome `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Response is returned to the sender.
type Response struct {
	StatusCode int              `json:"-"`
	Result     Result           `json:"status"`
	DeliveryID string           `json:"delivery_id"`
	Projects   []ProjectOutcome `json:"projects,omitempty"`
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository *struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit *struct {
		ID string `json:"id"`
	} `json:"head_commit"`
}

func (p pushPayload) repoID() *int64 {
	if p.Repository == nil || p.Repository.ID == 0 {
		return nil
	}
	id := p.Repository.ID
	return &id
}

func (p pushPayload) commit() string {
	if p.HeadCommit != nil && p.HeadCommit.ID != "" {
		return p.HeadCommit.ID
	}
	return p.After
}

// Options tune the Service.
type Options struct {
	// GlobalSecret is the GitHub App webhook secret; it authenticates deliveries for every binding.
	GlobalSecret string
	// ClaimTimeout is how long an in-progress claim blocks redeliveries.
	ClaimTimeout time.Duration
}

// Service ingests webhook deliveries.
type Service struct {
	bindings   repository.BindingRepository
	deliveries repository.DeliveryRepository
	trigger    Trigger
	secrets    secrets.Store
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
	outcomes   *prometheus.CounterVec
}

// New constructs a Service.
func New(bindings repository.BindingRepository, deliveries repository.DeliveryRepository, trigger Trigger, store secrets.Store, opts Options, logger *slog.Logger) *Service {
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = defaultClaimTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bindings:   bindings,
		deliveries: deliveries,
		trigger:    trigger,
		secrets:    store,
		opts:       opts,
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
		outcomes: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result",
		}, []string{"result"}),
	}
}

// Ingest authenticates, deduplicates and dispatches one delivery.
func (s *Service) Ingest(ctx context.Context, d Delivery) (Response, error) {
	d.Event = strings.TrimSpace(d.Event)
	d.DeliveryID = strings.TrimSpace(d.DeliveryID)
	if d.Event == "" || d.DeliveryID == "" {
		return Response{}, ErrMissingHeaders
	}
	log := s.logger.With("delivery_id", d.DeliveryID, "event", d.Event)
	var payload pushPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		// Without a repository there are no per-project secrets to try.
		if _, ok := s.authenticate(d, nil, log); !ok {
			s.outcomes.WithLabelValues("unauthorized").Inc()
			log.Warn("webhook signature rejected", "repo_bindings", 0)
			return Response{}, ErrInvalidSignature
		}
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	repoID := payload.repoID()
	var candidates []domain.RepoBinding
	if repoID != nil {
		found, err := s.bindings.ListActiveBindingsByRepo(ctx, *repoID)
		if err != nil {
			return Response{}, fmt.Errorf("list bindings: %w", err)
		}
		candidates = found
	}
	authorized, ok := s.authenticate(d, candidates, log)
	if !ok {
		s.outcomes.WithLabelValues("unauthorized").Inc()
		log.Warn("webhook signature rejected", "repo_bindings", len(candidates))
		return Response{}, ErrInvalidSignature
	}

	record := &domain.WebhookDelivery{
		ID:         uuid.NewString(),
		DeliveryID: d.DeliveryID,
		EventType:  d.Event,
		RepoID:     repoID,
		Ref:        payload.Ref,
		HeadCommit: payload.commit(),
		CreatedAt:  s.now().UTC(),
	}
	claimed, existing, err := s.deliveries.ClaimDelivery(ctx, record, s.now().Add(-s.opts.ClaimTimeout))
	if err != nil {
		return Response{}, fmt.Errorf("claim delivery: %w", err)
	}
	if !claimed {
		s.outcomes.WithLabelValues(string(ResultDuplicate)).Inc()
		log.Info("duplicate delivery ignored", "handled", existing != nil && existing.Handled)
		return Response{StatusCode: http.StatusOK, Result: ResultDuplicate, DeliveryID: d.DeliveryID}, nil
	}

	if d.Event != "push" || payload.Deleted {
		return s.complete(ctx, log, d.DeliveryID, true, http.StatusAccepted, ResultIgnored, "", nil), nil
	}
	branch, isBranch := strings.CutPrefix(payload.Ref, branchRefPrefix)
	var targets []domain.RepoBinding
	if isBranch {
		for _, b := range authorized {
			if b.SelectedBranch == branch {
				targets = append(targets, b)
			}
		}
	}
	if len(targets) == 0 {
		log.Info("no project bound to ref", "ref", payload.Ref)
		return s.complete(ctx, log, d.DeliveryID, true, http.StatusAccepted, ResultUnmatched, "", nil), nil
	}

	corr := redeploy.Correlation{DeliveryID: d.DeliveryID, CommitSHA: payload.commit()}
	outcomes := make([]ProjectOutcome, 0, len(targets))
	var queued, busy int
	var failures []string
	for _, b := range targets {
		outcome, err := s.trigger.Trigger(ctx, b.ProjectID, domain.CauseWebhook, corr)
		po := ProjectOutcome{ProjectID: b.ProjectID, Outcome: outcome}
		switch {
		case err != nil:
			po.Error = "trigger failed"
			failures = append(failures, fmt.Sprintf("%s: %v", b.ProjectID, err))
			log.Error("redeploy trigger failed", "project_id", b.ProjectID, "error", err)
		case outcome == redeploy.Busy:
			busy++
		default:
			queued++
		}
		outcomes = append(outcomes, po)
	}

	errMsg := strings.Join(failures, "; ")
	switch {
	case queued > 0:
		return s.complete(ctx, log, d.DeliveryID, true, http.StatusAccepted, ResultAccepted, errMsg, outcomes), nil
	case len(failures) > 0:
		return s.complete(ctx, log, d.DeliveryID, false, http.StatusInternalServerError, ResultFailed, errMsg, outcomes), nil
	default:
		return s.complete(ctx, log, d.DeliveryID, false, http.StatusConflict, ResultBusy, "all bound projects busy", outcomes), nil
	}
}

// authenticate returns the bindings the delivery may trigger. A match on the
// global secret authorizes every candidate; a per-project secret only its own binding.
func (s *Service) authenticate(d Delivery, candidates []domain.RepoBinding, log *slog.Logger) ([]domain.RepoBinding, bool) {
	provided, ok := decodeSignature(d.Signature)
	if !ok {
		return nil, false
	}
	if s.opts.GlobalSecret != "" && signatureMatches(s.opts.GlobalSecret, d.Body, provided) {
		return candidates, true
	}
	var authorized []domain.RepoBinding
	for _, b := range candidates {
		if len(b.WebhookSecret) == 0 {
			continue
		}
		secret, err := s.secrets.Open(b.WebhookSecret)
		if err != nil {
			log.Warn("binding secret unreadable", "project_id", b.ProjectID, "error", err)
			continue
		}
		if signatureMatches(secret, d.Body, provided) {
			authorized = append(authorized, b)
		}
	}
	return authorized, len(authorized) > 0
}

func (s *Service) complete(ctx context.Context, log *slog.Logger, deliveryID string, handled bool, status int, result Result, errMsg string, projects []ProjectOutcome) Response {
	if err := s.deliveries.CompleteDelivery(ctx, deliveryID, handled, status, errMsg); err != nil {
		log.Error("failed to complete delivery record", "error", err)
	}
	s.outcomes.WithLabelValues(string(result)).Inc()
	log.Info("delivery processed", "result", result, "status", status, "projects", len(projects))
	return Response{StatusCode: status, Result: result, DeliveryID: deliveryID, Projects: projects}
}

func decodeSignature(header string) ([]byte, bool) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return nil, false
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != sha256.Size {
		return nil, false
	}
	return raw, true
}

func signatureMatches(secret string, body, provided []byte) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign returns the X-Hub-Signature-256 value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
