package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsLogPrefix = "db:migrations"

// SchemaTables lists the tables the migrations create, in migration order.
var SchemaTables = []string{"host_sessions", "grant_consumptions"}

// Migration is one forward-only schema file.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name. An empty dir is an error
// since the host cannot store sessions without its schema.
func LoadMigrationFiles(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s - no .sql migrations in %s", migrationsLogPrefix, dir)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, Migration{Name: name, SQL: string(data)})
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// RunMigrations applies migrations in order. Every file is idempotent, so re-running is safe.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", migrationsLogPrefix, len(migrations)))

	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", migrationsLogPrefix, m.Name, err)
		}
		slog.Debug(fmt.Sprintf("%s - Applied %s", migrationsLogPrefix, m.Name))
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete", migrationsLogPrefix))
	return nil
}

// MigrationStatus prints which host tables exist and how many migration files are on disk.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) error {
	const statusLogPrefix = "db:MigrationStatus"

	rows, err := pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = ANY($1)`,
		SchemaTables)
	if err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", statusLogPrefix, err)
	}
	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("%s - failed to scan table name: %w", statusLogPrefix, err)
		}
		present[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%s - failed to check schema: %w", statusLogPrefix, err)
	}

	files, err := LoadMigrationFiles(migrationPath)
	if err != nil {
		return fmt.Errorf("%s - load migration list: %w", statusLogPrefix, err)
	}

	if missing := missingTables(present); len(missing) > 0 {
		fmt.Printf("Migration status: not applied, missing %v (run 'officex-host migrate up'). %d migration files in %s\n", missing, len(files), migrationPath)
	} else {
		fmt.Printf("Migration status: applied (%d tables present, %d migration files in %s)\n", len(SchemaTables), len(files), migrationPath)
	}
	return nil
}

// missingTables returns the SchemaTables entries absent from present, in migration order.
func missingTables(present map[string]bool) []string {
	var missing []string
	for _, t := range SchemaTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// MigrationDown is not supported: migrations are forward-only. It prints a hint and returns nil.
func MigrationDown(ctx context.Context, pool *pgxpool.Pool, _ string) error {
	fmt.Println("Migration down: not supported (migrations are forward-only). Use 'officex-host clear' to drop stored sessions or restore a backup.")
	return nil
}
