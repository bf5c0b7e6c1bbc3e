package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nanoscale/nanoscale/internal/domain"
)

const deliveryColumns = `id, delivery_id, event_type, repo_id, ref, head_commit, handled, status_code,
	error_message, created_at, updated_at`

func scanDelivery(row rowScanner) (domain.WebhookDelivery, error) {
	var (
		d                   domain.WebhookDelivery
		ref, commit, errMsg *string
	)
	err := row.Scan(&d.ID, &d.DeliveryID, &d.EventType, &d.RepoID, &ref, &commit, &d.Handled, &d.StatusCode, &errMsg, &d.CreatedAt, &d.UpdatedAt)
	d.Ref = stringOrEmpty(ref)
	d.HeadCommit = stringOrEmpty(commit)
	d.Error = stringOrEmpty(errMsg)
	return d, err
}

// ClaimDelivery inserts the delivery or re-claims a retryable row. Both paths
// are single statements so concurrent redeliveries cannot both win.
func (r *Repository) ClaimDelivery(ctx context.Context, delivery *domain.WebhookDelivery, staleBefore time.Time) (bool, *domain.WebhookDelivery, error) {
	now := utc(delivery.CreatedAt)
	const insert = `INSERT INTO webhook_deliveries
			(id, delivery_id, event_type, repo_id, ref, head_commit, handled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
		ON CONFLICT (delivery_id) DO NOTHING
		RETURNING id`
	var id string
	err := r.pool.QueryRow(ctx, insert,
		delivery.ID,
		delivery.DeliveryID,
		delivery.EventType,
		int64PtrToNil(delivery.RepoID),
		nilIfEmpty(delivery.Ref),
		nilIfEmpty(delivery.HeadCommit),
		now,
	).Scan(&id)
	switch {
	case err == nil:
		return true, nil, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, nil, mapError(err)
	}

	const reclaim = `UPDATE webhook_deliveries SET
			status_code = NULL,
			error_message = NULL,
			event_type = $2,
			repo_id = $3,
			ref = $4,
			head_commit = $5,
			updated_at = $6
		WHERE delivery_id = $1
			AND handled = FALSE
			AND (status_code IS NOT NULL OR updated_at < $7)
		RETURNING id`
	err = r.pool.QueryRow(ctx, reclaim,
		delivery.DeliveryID,
		delivery.EventType,
		int64PtrToNil(delivery.RepoID),
		nilIfEmpty(delivery.Ref),
		nilIfEmpty(delivery.HeadCommit),
		now,
		staleBefore.UTC(),
	).Scan(&id)
	switch {
	case err == nil:
		delivery.ID = id
		return true, nil, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, nil, mapError(err)
	}

	const existingQuery = `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE delivery_id = $1`
	existing, err := scanDelivery(r.pool.QueryRow(ctx, existingQuery, delivery.DeliveryID))
	if err != nil {
		return false, nil, mapError(err)
	}
	return false, &existing, nil
}

// CompleteDelivery records the outcome of a claimed delivery.
func (r *Repository) CompleteDelivery(ctx context.Context, deliveryID string, handled bool, statusCode int, errMsg string) error {
	const query = `UPDATE webhook_deliveries SET
			handled = $2,
			status_code = $3,
			error_message = $4,
			updated_at = NOW()
		WHERE delivery_id = $1`
	tag, err := r.pool.Exec(ctx, query, deliveryID, handled, statusCode, nilIfEmpty(errMsg))
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}
