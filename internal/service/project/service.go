// Package project manages projects, their repository bindings and manual
// redeploys.
package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
	"github.com/nanoscale/nanoscale/internal/service/secrets"
	"github.com/nanoscale/nanoscale/pkg/crypto"
)

const (
	defaultBranch       = "main"
	defaultPort         = 3000
	webhookSecretBytes  = 32
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// ErrInvalidProject wraps validation failures.
var ErrInvalidProject = errors.New("invalid project")

// Coordinator is the subset of the redeploy coordinator used here.
type Coordinator interface {
	Trigger(ctx context.Context, projectID string, cause domain.TriggerCause, corr redeploy.Correlation) (redeploy.Outcome, error)
	Exclusive(ctx context.Context, projectID string, cause domain.TriggerCause, fn func(context.Context) error) (redeploy.Outcome, error)
}

// Remover tears a project down on its worker.
type Remover interface {
	Remove(ctx context.Context, projectID string) error
}

// BindingRequest links a new project to a GitHub repository.
type BindingRequest struct {
	RepoID       int64  `json:"repo_id"`
	RepoFullName string `json:"repo_full_name"`
	Branch       string `json:"branch"`
}

// CreateRequest describes a new project.
type CreateRequest struct {
	ServerID        string          `json:"server_id"`
	Name            string          `json:"name"`
	RepoURL         string          `json:"repo_url"`
	Branch          string          `json:"branch"`
	InstallCommand  string          `json:"install_command"`
	BuildCommand    string          `json:"build_command"`
	StartCommand    string          `json:"start_command"`
	OutputDirectory string          `json:"output_directory"`
	Port            int             `json:"port"`
	GitHub          *BindingRequest `json:"github,omitempty"`
}

// Created is the result of Create. WebhookSecret is only ever returned here.
type Created struct {
	Project       domain.Project
	Binding       *domain.RepoBinding
	WebhookSecret string
	Deploy        redeploy.Outcome
}

// Service coordinates project lifecycle operations.
type Service struct {
	projects    repository.ProjectRepository
	bindings    repository.BindingRepository
	servers     repository.ServerRepository
	runs        repository.RedeployRepository
	coordinator Coordinator
	remover     Remover
	secrets     secrets.Store
	logger      *slog.Logger
}

// New constructs a Service.
func New(projects repository.ProjectRepository, bindings repository.BindingRepository, servers repository.ServerRepository, runs repository.RedeployRepository, coordinator Coordinator, remover Remover, store secrets.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		projects:    projects,
		bindings:    bindings,
		servers:     servers,
		runs:        runs,
		coordinator: coordinator,
		remover:     remover,
		secrets:     store,
		logger:      logger.With("component", "project"),
	}
}

// Create stores a project, its optional binding, and queues the first deploy.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Created, error) {
	req = normalize(req)
	if err := validate(req); err != nil {
		return Created{}, err
	}
	if _, err := s.servers.GetServerByID(ctx, req.ServerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Created{}, fmt.Errorf("%w: unknown server %s", ErrInvalidProject, req.ServerID)
		}
		return Created{}, err
	}
	now := time.Now().UTC()
	project := domain.Project{
		ID:              uuid.NewString(),
		ServerID:        req.ServerID,
		Name:            req.Name,
		RepoURL:         req.RepoURL,
		Branch:          req.Branch,
		InstallCommand:  req.InstallCommand,
		BuildCommand:    req.BuildCommand,
		StartCommand:    req.StartCommand,
		OutputDirectory: req.OutputDirectory,
		Port:            req.Port,
		Status:          domain.ProjectCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.projects.CreateProject(ctx, &project); err != nil {
		return Created{}, fmt.Errorf("create project: %w", err)
	}
	out := Created{Project: project}
	log := s.logger.With("project_id", project.ID)

	if req.GitHub != nil {
		binding, secret, err := s.bind(ctx, project.ID, *req.GitHub, now)
		if err != nil {
			if derr := s.projects.DeleteProject(ctx, project.ID); derr != nil {
				log.Error("orphaned project not removed", "error", derr)
			}
			return Created{}, err
		}
		out.Binding = binding
		out.WebhookSecret = secret
		log.Info("repository bound", "repo_id", binding.RepoID, "branch", binding.SelectedBranch)
	}

	outcome, err := s.coordinator.Trigger(ctx, project.ID, domain.CauseManual, redeploy.Correlation{})
	if err != nil {
		log.Error("initial deploy not queued", "error", err)
	}
	out.Deploy = outcome
	log.Info("project created", "server_id", project.ServerID, "deploy", outcome)
	return out, nil
}

// bind stores the repository binding with a fresh sealed webhook secret and
// returns the binding stripped of it along with the plaintext secret.
func (s *Service) bind(ctx context.Context, projectID string, gh BindingRequest, now time.Time) (*domain.RepoBinding, string, error) {
	secret, err := crypto.RandomHex(webhookSecretBytes)
	if err != nil {
		return nil, "", fmt.Errorf("generate webhook secret: %w", err)
	}
	sealed, err := s.secrets.Seal(secret)
	if err != nil {
		return nil, "", err
	}
	binding := domain.RepoBinding{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		RepoID:         gh.RepoID,
		RepoFullName:   gh.RepoFullName,
		SelectedBranch: gh.Branch,
		WebhookSecret:  sealed,
		Active:         true,
		CreatedAt:      now,
	}
	if err := s.bindings.CreateBinding(ctx, &binding); err != nil {
		return nil, "", fmt.Errorf("create binding: %w", err)
	}
	binding.WebhookSecret = nil
	return &binding, secret, nil
}

// List returns every project.
func (s *Service) List(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// Get returns one project and its binding, if any. The binding secret is stripped.
func (s *Service) Get(ctx context.Context, id string) (*domain.Project, *domain.RepoBinding, error) {
	project, err := s.projects.GetProjectByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	binding, err := s.bindings.GetBindingByProject(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return project, nil, nil
		}
		return nil, nil, err
	}
	binding.WebhookSecret = nil
	return project, binding, nil
}

// Delete tears the project down under its lease, deactivates its binding
// and removes the row. A running redeploy yields Busy.
func (s *Service) Delete(ctx context.Context, id string) (redeploy.Outcome, error) {
	if _, err := s.projects.GetProjectByID(ctx, id); err != nil {
		return "", err
	}
	return s.coordinator.Exclusive(ctx, id, domain.CauseManual, func(ctx context.Context) error {
		if err := s.remover.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove from worker: %w", err)
		}
		if err := s.bindings.DeactivateBinding(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("deactivate binding: %w", err)
		}
		if err := s.projects.DeleteProject(ctx, id); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		s.logger.Info("project deleted", "project_id", id)
		return nil
	})
}

// Redeploy is the operator's manual trigger.
func (s *Service) Redeploy(ctx context.Context, id string) (redeploy.Outcome, error) {
	return s.coordinator.Trigger(ctx, id, domain.CauseManual, redeploy.Correlation{})
}

// Redeploys returns the newest runs of a project.
func (s *Service) Redeploys(ctx context.Context, id string, limit int) ([]domain.Redeploy, error) {
	if _, err := s.projects.GetProjectByID(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.runs.ListRedeploysByProject(ctx, id, limit)
}

func normalize(req CreateRequest) CreateRequest {
	req.Name = strings.TrimSpace(req.Name)
	req.ServerID = strings.TrimSpace(req.ServerID)
	req.RepoURL = strings.TrimSpace(req.RepoURL)
	req.Branch = strings.TrimPrefix(strings.TrimSpace(req.Branch), "refs/heads/")
	if req.Port == 0 {
		req.Port = defaultPort
	}
	if req.GitHub != nil {
		gh := *req.GitHub
		gh.Branch = strings.TrimPrefix(strings.TrimSpace(gh.Branch), "refs/heads/")
		gh.RepoFullName = strings.TrimSpace(gh.RepoFullName)
		if req.Branch == "" {
			req.Branch = gh.Branch
		}
		if gh.Branch == "" {
			gh.Branch = req.Branch
		}
		req.GitHub = &gh
	}
	if req.Branch == "" {
		req.Branch = defaultBranch
		if req.GitHub != nil && req.GitHub.Branch == "" {
			req.GitHub.Branch = defaultBranch
		}
	}
	return req
}

func validate(req CreateRequest) error {
	switch {
	case req.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProject)
	case req.ServerID == "":
		return fmt.Errorf("%w: server_id is required", ErrInvalidProject)
	case req.Port < 1 || req.Port > 65535:
		return fmt.Errorf("%w: port out of range", ErrInvalidProject)
	}
	if req.RepoURL == "" {
		return fmt.Errorf("%w: repo_url is required", ErrInvalidProject)
	}
	if u, err := url.Parse(req.RepoURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: repo_url must be an absolute URL", ErrInvalidProject)
	}
	if req.GitHub != nil {
		if req.GitHub.RepoID <= 0 {
			return fmt.Errorf("%w: github.repo_id is required", ErrInvalidProject)
		}
		// Pushes are matched on the binding branch and deploys build the project branch.
		if req.GitHub.Branch != req.Branch {
			return fmt.Errorf("%w: github.branch %q differs from branch %q", ErrInvalidProject, req.GitHub.Branch, req.Branch)
		}
	}
	return nil
}
