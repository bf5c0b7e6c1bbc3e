package repository

import (
	"context"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

// UserRepository persists operator accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// ServerRepository is the server registry.
type ServerRepository interface {
	CreateServer(ctx context.Context, server *domain.Server) error
	GetServerByID(ctx context.Context, id string) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	// TouchServer marks the server online and records seenAt as its last heartbeat.
	TouchServer(ctx context.Context, id string, seenAt time.Time) error
	// MarkServersOffline flips online servers whose last heartbeat is older than cutoff.
	MarkServersOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// ProjectRepository persists projects and their status.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, update domain.ProjectStatusUpdate) error
	DeleteProject(ctx context.Context, id string) error
}

// BindingRepository persists project repository bindings.
type BindingRepository interface {
	CreateBinding(ctx context.Context, binding *domain.RepoBinding) error
	GetBindingByProject(ctx context.Context, projectID string) (*domain.RepoBinding, error)
	ListActiveBindingsByRepo(ctx context.Context, repoID int64) ([]domain.RepoBinding, error)
	DeactivateBinding(ctx context.Context, projectID string) error
}

// DeliveryRepository is the webhook delivery ledger.
type DeliveryRepository interface {
	// ClaimDelivery records delivery as in progress. It returns true when the
	// caller owns the delivery: either the row is new, or an existing row was
	// unhandled and finished (or its claim is older than staleBefore). When the
	// claim fails the existing row is returned.
	ClaimDelivery(ctx context.Context, delivery *domain.WebhookDelivery, staleBefore time.Time) (bool, *domain.WebhookDelivery, error)
	CompleteDelivery(ctx context.Context, deliveryID string, handled bool, statusCode int, errMsg string) error
}

// RedeployRepository stores the per-run audit trail.
type RedeployRepository interface {
	CreateRedeploy(ctx context.Context, run *domain.Redeploy) error
	CompleteRedeploy(ctx context.Context, id, status, errMsg string, completedAt time.Time) error
	ListRedeploysByProject(ctx context.Context, projectID string, limit int) ([]domain.Redeploy, error)
}
