package postgres

import (
	"context"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

// CreateRedeploy inserts an audit row for a coordinator run.
func (r *Repository) CreateRedeploy(ctx context.Context, run *domain.Redeploy) error {
	const query = `INSERT INTO redeploys (id, project_id, cause, delivery_id, commit_sha, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		run.ID,
		run.ProjectID,
		string(run.Cause),
		nilIfEmpty(run.DeliveryID),
		nilIfEmpty(run.CommitSHA),
		run.Status,
		utc(run.StartedAt),
	)
	return mapError(err)
}

// CompleteRedeploy finalises an audit row.
func (r *Repository) CompleteRedeploy(ctx context.Context, id, status, errMsg string, completedAt time.Time) error {
	const query = `UPDATE redeploys SET status = $2, error_message = $3, completed_at = $4 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, status, nilIfEmpty(errMsg), completedAt.UTC())
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

// ListRedeploysByProject returns the newest runs first.
func (r *Repository) ListRedeploysByProject(ctx context.Context, projectID string, limit int) ([]domain.Redeploy, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `SELECT id, project_id, cause, delivery_id, commit_sha, status, error_message, started_at, completed_at
		FROM redeploys WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.Redeploy, 0)
	for rows.Next() {
		var (
			run                         domain.Redeploy
			cause                       string
			deliveryID, commit, errText *string
		)
		if err := rows.Scan(&run.ID, &run.ProjectID, &cause, &deliveryID, &commit, &run.Status, &errText, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		run.Cause = domain.TriggerCause(cause)
		run.DeliveryID = stringOrEmpty(deliveryID)
		run.CommitSHA = stringOrEmpty(commit)
		run.Error = stringOrEmpty(errText)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
