package postgres

import (
	"context"

	"github.com/nanoscale/nanoscale/internal/domain"
)

const bindingColumns = `id, project_id, repo_id, repo_full_name, selected_branch, webhook_secret, active, created_at`

func scanBinding(row rowScanner) (domain.RepoBinding, error) {
	var b domain.RepoBinding
	err := row.Scan(&b.ID, &b.ProjectID, &b.RepoID, &b.RepoFullName, &b.SelectedBranch, &b.WebhookSecret, &b.Active, &b.CreatedAt)
	return b, err
}

// CreateBinding links a project to a repository. A second binding for the same project reports ErrConflict.
func (r *Repository) CreateBinding(ctx context.Context, binding *domain.RepoBinding) error {
	const query = `INSERT INTO project_repo_bindings (` + bindingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		binding.ID,
		binding.ProjectID,
		binding.RepoID,
		binding.RepoFullName,
		binding.SelectedBranch,
		binding.WebhookSecret,
		binding.Active,
		utc(binding.CreatedAt),
	)
	return mapError(err)
}

// GetBindingByProject returns the binding of a project.
func (r *Repository) GetBindingByProject(ctx context.Context, projectID string) (*domain.RepoBinding, error) {
	const query = `SELECT ` + bindingColumns + ` FROM project_repo_bindings WHERE project_id = $1`
	b, err := scanBinding(r.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, mapError(err)
	}
	return &b, nil
}

// ListActiveBindingsByRepo returns active bindings for a repository id.
func (r *Repository) ListActiveBindingsByRepo(ctx context.Context, repoID int64) ([]domain.RepoBinding, error) {
	const query = `SELECT ` + bindingColumns + ` FROM project_repo_bindings
		WHERE repo_id = $1 AND active = TRUE ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, repoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := make([]domain.RepoBinding, 0)
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// DeactivateBinding disables webhook triggers for a project.
func (r *Repository) DeactivateBinding(ctx context.Context, projectID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE project_repo_bindings SET active = FALSE WHERE project_id = $1`, projectID)
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}
