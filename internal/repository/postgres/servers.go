package postgres

import (
	"context"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

const serverColumns = `id, name, ip_address, status, secret_key, last_seen_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (domain.Server, error) {
	var s domain.Server
	var status string
	err := row.Scan(&s.ID, &s.Name, &s.IPAddress, &status, &s.SecretKey, &s.LastSeenAt, &s.CreatedAt)
	s.Status = domain.ServerStatus(status)
	return s, err
}

// CreateServer registers a joined worker. Duplicate ids report ErrConflict.
func (r *Repository) CreateServer(ctx context.Context, server *domain.Server) error {
	const query = `INSERT INTO servers (` + serverColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		server.ID,
		server.Name,
		server.IPAddress,
		string(server.Status),
		server.SecretKey,
		server.LastSeenAt,
		utc(server.CreatedAt),
	)
	return mapError(err)
}

// GetServerByID loads a server including its encrypted secret.
func (r *Repository) GetServerByID(ctx context.Context, id string) (*domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	s, err := scanServer(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

// ListServers returns all servers ordered by creation time.
func (r *Repository) ListServers(ctx context.Context) ([]domain.Server, error) {
	const query = `SELECT ` + serverColumns + ` FROM servers ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// TouchServer marks a server online and stamps its heartbeat.
func (r *Repository) TouchServer(ctx context.Context, id string, seenAt time.Time) error {
	const query = `UPDATE servers SET status = 'online', last_seen_at = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, seenAt.UTC())
	if err != nil {
		return mapError(err)
	}
	return requireRow(tag)
}

// MarkServersOffline flips stale online servers to offline.
func (r *Repository) MarkServersOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `UPDATE servers SET status = 'offline'
		WHERE status = 'online' AND COALESCE(last_seen_at, created_at) < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
