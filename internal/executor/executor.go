// Package executor reaches the worker that hosts a project. The orchestrator
// never builds or runs code itself; it signs requests to the worker's
// internal API and reports the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/secrets"
	"github.com/nanoscale/nanoscale/pkg/cluster"
)

// ErrWorkerRejected wraps any failure reported by the worker.
var ErrWorkerRejected = errors.New("worker rejected request")

// Activity is a project's live traffic reading.
type Activity struct {
	Connections   int   `json:"connections"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// Uptime converts UptimeSeconds to a duration.
func (a Activity) Uptime() time.Duration {
	return time.Duration(a.UptimeSeconds) * time.Second
}

// Executor is the deployment executor contract.
type Executor interface {
	Execute(ctx context.Context, projectID, commitRef string) error
	Stop(ctx context.Context, projectID string) error
	Remove(ctx context.Context, projectID string) error
	Activity(ctx context.Context, projectID string) (Activity, error)
}

// DeployRequest is the body of POST /internal/projects.
type DeployRequest struct {
	ProjectID       string `json:"project_id"`
	Name            string `json:"name"`
	RepoURL         string `json:"repo_url"`
	Branch          string `json:"branch"`
	CommitRef       string `json:"commit_ref,omitempty"`
	InstallCommand  string `json:"install_command,omitempty"`
	BuildCommand    string `json:"build_command,omitempty"`
	StartCommand    string `json:"start_command,omitempty"`
	OutputDirectory string `json:"output_directory,omitempty"`
	Port            int    `json:"port"`
}

// Options tune WorkerExecutor.
type Options struct {
	Scheme         string
	Port           int
	DeployTimeout  time.Duration
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// WorkerExecutor implements Executor over the signed worker API.
type WorkerExecutor struct {
	projects repository.ProjectRepository
	servers  repository.ServerRepository
	secrets  secrets.Store
	opts     Options
	logger   *slog.Logger
}

var _ Executor = (*WorkerExecutor)(nil)

// NewWorkerExecutor constructs a WorkerExecutor.
func NewWorkerExecutor(projects repository.ProjectRepository, servers repository.ServerRepository, store secrets.Store, opts Options, logger *slog.Logger) *WorkerExecutor {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.Port <= 0 {
		opts.Port = 4000
	}
	if opts.DeployTimeout <= 0 {
		opts.DeployTimeout = 30 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerExecutor{
		projects: projects,
		servers:  servers,
		secrets:  store,
		opts:     opts,
		logger:   logger.With("component", "worker_executor"),
	}
}

// Execute deploys the project and waits for the worker to finish.
func (e *WorkerExecutor) Execute(ctx context.Context, projectID, commitRef string) error {
	project, client, err := e.target(ctx, projectID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.DeployTimeout)
	defer cancel()
	req := DeployRequest{
		ProjectID:       project.ID,
		Name:            project.Name,
		RepoURL:         project.RepoURL,
		Branch:          project.Branch,
		CommitRef:       commitRef,
		InstallCommand:  project.InstallCommand,
		BuildCommand:    project.BuildCommand,
		StartCommand:    project.StartCommand,
		OutputDirectory: project.OutputDirectory,
		Port:            project.Port,
	}
	e.logger.Info("dispatching deploy", "project_id", project.ID, "server_id", project.ServerID, "commit", commitRef)
	return e.call(ctx, client, http.MethodPost, "/internal/projects", req, nil)
}

// Stop halts the project's process while keeping its files.
func (e *WorkerExecutor) Stop(ctx context.Context, projectID string) error {
	_, client, err := e.target(ctx, projectID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	return e.call(ctx, client, http.MethodPost, "/internal/projects/"+url.PathEscape(projectID)+"/stop", nil, nil)
}

// Remove tears the project down on its worker.
func (e *WorkerExecutor) Remove(ctx context.Context, projectID string) error {
	_, client, err := e.target(ctx, projectID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	return e.call(ctx, client, http.MethodDelete, "/internal/projects/"+url.PathEscape(projectID), nil, nil)
}

// Activity reads the project's live connection count and uptime.
func (e *WorkerExecutor) Activity(ctx context.Context, projectID string) (Activity, error) {
	_, client, err := e.target(ctx, projectID)
	if err != nil {
		return Activity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	var out Activity
	if err := e.call(ctx, client, http.MethodGet, "/internal/projects/"+url.PathEscape(projectID)+"/activity", nil, &out); err != nil {
		return Activity{}, err
	}
	return out, nil
}

func (e *WorkerExecutor) target(ctx context.Context, projectID string) (*domain.Project, *cluster.Client, error) {
	project, err := e.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	server, err := e.servers.GetServerByID(ctx, project.ServerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load server %s: %w", project.ServerID, err)
	}
	secret, err := e.secrets.Open(server.SecretKey)
	if err != nil {
		return nil, nil, fmt.Errorf("open secret for server %s: %w", server.ID, err)
	}
	signer, err := cluster.NewSigner(server.ID, secret)
	if err != nil {
		return nil, nil, err
	}
	base := e.opts.Scheme + "://" + net.JoinHostPort(server.IPAddress, strconv.Itoa(e.opts.Port))
	client, err := cluster.NewClient(base, signer, e.opts.HTTPClient)
	if err != nil {
		return nil, nil, err
	}
	return project, client, nil
}

func (e *WorkerExecutor) call(ctx context.Context, client *cluster.Client, method, path string, payload, out any) error {
	if err := client.Do(ctx, method, path, payload, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrWorkerRejected, method, path, err)
	}
	return nil
}
