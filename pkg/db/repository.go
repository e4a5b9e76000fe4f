package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for host sessions and grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// SESSION OPERATIONS
// =========================================================================

// UpsertSession stores row unless the stored row already has a seq at least as high.
// It reports whether the row was written.
func (r *Repository) UpsertSession(ctx context.Context, row SessionRow) (bool, error) {
	slog.Debug(fmt.Sprintf("%s - UpsertSession session=%s seq=%d phase=%s", repoLogPrefix, row.SessionID, row.Seq, row.Phase))

	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO host_sessions (session_id, frame_id, seq, phase, mode, attempts,
		                            last_loaded_at, last_heartbeat, snapshot, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
		   frame_id = EXCLUDED.frame_id,
		   seq = EXCLUDED.seq,
		   phase = EXCLUDED.phase,
		   mode = EXCLUDED.mode,
		   attempts = EXCLUDED.attempts,
		   last_loaded_at = EXCLUDED.last_loaded_at,
		   last_heartbeat = EXCLUDED.last_heartbeat,
		   snapshot = EXCLUDED.snapshot,
		   modified = EXCLUDED.modified
		 WHERE host_sessions.seq < EXCLUDED.seq`,
		row.SessionID, row.FrameID, row.Seq, row.Phase, row.Mode, row.Attempts,
		row.LastLoadedAt, row.LastHeartbeat, row.Snapshot, now)
	if err != nil {
		return false, fmt.Errorf("%s - UpsertSession failed: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetSession finds a session by ID. It returns nil, nil when there is none.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT session_id, frame_id, seq, phase, mode, attempts,
		        last_loaded_at, last_heartbeat, snapshot, created, modified
		 FROM host_sessions
		 WHERE session_id = $1`, sessionID)
	return scanSession(row)
}

// ListSessions lists the most recently modified sessions.
func (r *Repository) ListSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, frame_id, seq, phase, mode, attempts,
		        last_loaded_at, last_heartbeat, snapshot, created, modified
		 FROM host_sessions
		 ORDER BY modified DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - ListSessions failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListSessions rows: %w", repoLogPrefix, err)
	}
	return out, nil
}

// =========================================================================
// GRANT OPERATIONS
// =========================================================================

// RecordGrant inserts key and reports false when it was already recorded.
func (r *Repository) RecordGrant(ctx context.Context, key, sessionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO grant_consumptions (grant_key, session_id, consumed_at)
		 VALUES ($1, NULLIF($2, ''), $3)
		 ON CONFLICT (grant_key) DO NOTHING`,
		key, sessionID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("%s - RecordGrant failed: %w", repoLogPrefix, err)
	}
	recorded := tag.RowsAffected() == 1
	if !recorded {
		slog.Warn(fmt.Sprintf("%s - Grant already consumed (session %s)", repoLogPrefix, sessionID))
	}
	return recorded, nil
}

// PruneGrants deletes grant records consumed before cutoff and returns how many were removed.
func (r *Repository) PruneGrants(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM grant_consumptions WHERE consumed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("%s - PruneGrants failed: %w", repoLogPrefix, err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info(fmt.Sprintf("%s - Pruned %d grant records", repoLogPrefix, n))
	}
	return tag.RowsAffected(), nil
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanSession(row pgx.Row) (*SessionRow, error) {
	var s SessionRow
	err := row.Scan(
		&s.SessionID, &s.FrameID, &s.Seq, &s.Phase, &s.Mode, &s.Attempts,
		&s.LastLoadedAt, &s.LastHeartbeat, &s.Snapshot, &s.Created, &s.Modified,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan session failed: %w", repoLogPrefix, err)
	}
	return &s, nil
}
