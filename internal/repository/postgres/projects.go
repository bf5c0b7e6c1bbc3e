package postgres

import (
	"context"

	"github.com/nanoscale/nanoscale/internal/domain"
)

const projectColumns = `id, server_id, name, repo_url, branch, install_command, build_command,
	start_command, output_directory, port, status, status_error, last_delivery_id, last_commit_sha,
	created_at, updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p                                   domain.Project
		status                              string
		statusErr, lastDelivery, lastCommit *string
	)
	err := row.Scan(
		&p.ID,
		&p.ServerID,
		&p.Name,
		&p.RepoURL,
		&p.Branch,
		&p.InstallCommand,
		&p.BuildCommand,
		&p.StartCommand,
		&p.OutputDirectory,
		&p.Port,
		&status,
		&statusErr,
		&lastDelivery,
		&lastCommit,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	p.Status = domain.ProjectStatus(status)
	p.StatusError = stringOrEmpty(statusErr)
	p.LastDeliveryID = stringOrEmpty(lastDelivery)
	p.LastCommitSHA = stringOrEmpty(lastCommit)
	return p, err
}

func (r *Repository) queryProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (` + projectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	created := utc(project.CreatedAt)
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		project.ServerID,
		project.Name,
		project.RepoURL,
		project.Branch,
		project.InstallCommand,
		project.BuildCommand,
		project.StartCommand,
		project.OutputDirectory,
		project.Port,
		string(project.Status),
		nilIfEmpty(project.StatusError),
		nilIfEmpty(project.LastDeliveryID),
		nilIfEmpty(project.LastCommitSHA),
		created,
		created,
	)
	return mapError(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// ListProjects returns every project, newest first.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
}

// ListProjectsByStatus returns projects currently in status.
func (r *Repository) ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error) {
	return r.queryProjects(ctx, `SELECT `+projectColumns+` FROM projects WHERE status = $1 ORDER BY created_at ASC`, string(status))
}

// UpdateProjectStatus records a status transition. Correlation columns are
// only overwritten when the update carries them.
func (r *Repository) UpdateProjectStatus(ctx context.Context, update domain.ProjectStatusUpdate) error {
	const query = `UPDATE projects SET
			status = $2,
			status_error = $3,
			last_delivery_id = COALESCE($4, last_delivery_id),
			last_commit_sha = COALESCE($5, last_commit_sha),
			updated_at = $6
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.ProjectID,
		string(update.Status),
		nilIfEmpty(update.Error),
		nilIfEmpty(update.DeliveryID),
		nilIfEmpty(update.CommitSHA),
		utc(update.UpdatedAt),
	)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

// DeleteProject removes a project and its redeploy history.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}
