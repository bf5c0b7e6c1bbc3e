package domain

import "time"

// ProjectStatus tracks the deployment lifecycle of a project.
type ProjectStatus string

const (
	ProjectCreated  ProjectStatus = "created"
	ProjectBuilding ProjectStatus = "building"
	ProjectDeployed ProjectStatus = "deployed"
	ProjectFailed   ProjectStatus = "failed"
	ProjectStopped  ProjectStatus = "stopped"
)

// Project describes a deployable unit hosted on a server.
type Project struct {
	ID              string
	ServerID        string
	Name            string
	RepoURL         string
	Branch          string
	InstallCommand  string
	BuildCommand    string
	StartCommand    string
	OutputDirectory string
	Port            int
	Status          ProjectStatus
	StatusError     string
	LastDeliveryID  string
	LastCommitSHA   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProjectStatusUpdate carries a status transition and the correlation that caused it.
type ProjectStatusUpdate struct {
	ProjectID  string
	Status     ProjectStatus
	Error      string
	DeliveryID string
	CommitSHA  string
	UpdatedAt  time.Time
}

// RepoBinding links a project to a source repository and branch.
type RepoBinding struct {
	ID             string
	ProjectID      string
	RepoID         int64
	RepoFullName   string
	SelectedBranch string
	WebhookSecret  []byte
	Active         bool
	CreatedAt      time.Time
}
