package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ensureLogPrefix = "db:ensure"

// safeDBName matches allowed database names (alphanumeric and underscore only).
var safeDBName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// DefaultTestDatabase is the database ensure-db creates when no name is given.
const DefaultTestDatabase = "officex_host_test"

// TargetDatabaseURL returns databaseURL pointed at the database name instead, keeping the host,
// credentials and query parameters (e.g. sslmode).
func TargetDatabaseURL(databaseURL, name string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%s - database URL has no host", ensureLogPrefix)
	}
	name = strings.TrimSpace(name)
	if !safeDBName.MatchString(name) {
		return "", fmt.Errorf("%s - database name %q contains invalid characters", ensureLogPrefix, name)
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// EnsureDatabase creates the database named in databaseURL if it does not exist, connecting
// through the postgres maintenance database on the same server. Call before NewPool when the
// host should auto-create its DB on a shared Postgres (e.g. officex_host, officex_host_test).
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	dbname := strings.TrimSpace(strings.TrimPrefix(u.Path, "/"))
	if dbname == "" {
		return fmt.Errorf("%s - database name empty in URL", ensureLogPrefix)
	}
	if !safeDBName.MatchString(dbname) {
		return fmt.Errorf("%s - database name %q contains invalid characters", ensureLogPrefix, dbname)
	}

	config, err := pgxpool.ParseConfig(buildPostgresURL(u))
	if err != nil {
		return fmt.Errorf("%s - failed to parse postgres URL: %w", ensureLogPrefix, err)
	}
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	config.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to postgres: %w", ensureLogPrefix, err)
	}
	defer pool.Close()

	var exists bool
	err = pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, dbname).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s - failed to check database: %w", ensureLogPrefix, err)
	}
	if exists {
		slog.Info(fmt.Sprintf("%s - Database %q already exists", ensureLogPrefix, dbname))
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, dbname))
	// CREATE DATABASE takes no bind parameters; the name was checked against safeDBName.
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(dbname))); err != nil {
		return fmt.Errorf("%s - CREATE DATABASE failed: %w", ensureLogPrefix, err)
	}
	return nil
}

func buildPostgresURL(u *url.URL) string {
	postgres := *u
	postgres.Path = "/postgres"
	return postgres.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
