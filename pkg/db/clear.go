package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearSessions truncates host_sessions and grant_consumptions. Schema is preserved.
// Clearing grant_consumptions makes previously used grants consumable again.
func ClearSessions(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing session tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE host_sessions, grant_consumptions`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Session tables cleared", clearLogPrefix))
	return nil
}
