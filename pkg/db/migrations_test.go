package db

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/officexapp/iframe-host/pkg/host"
)

const migrationsTestPrefix = "db:migrations_test"

// repoMigrations is the schema the host ships with, relative to pkg/db.
var repoMigrations = filepath.Join("..", "..", "migrations")

func loadRepoMigrations(t *testing.T) []Migration {
	t.Helper()
	migrations, err := LoadMigrationFiles(repoMigrations)
	if err != nil {
		t.Fatalf("%s - LoadMigrationFiles(%s): %v", migrationsTestPrefix, repoMigrations, err)
	}
	return migrations
}

func TestRepoMigrations_Order(t *testing.T) {
	migrations := loadRepoMigrations(t)
	want := []string{"0001_host_sessions.sql", "0002_grant_consumptions.sql"}
	if len(migrations) != len(want) {
		t.Fatalf("%s - got %d migrations, want %d", migrationsTestPrefix, len(migrations), len(want))
	}
	for i, name := range want {
		if migrations[i].Name != name {
			t.Errorf("%s - migration %d = %s, want %s", migrationsTestPrefix, i, migrations[i].Name, name)
		}
	}
}

func TestRepoMigrations_CreateSchemaTables(t *testing.T) {
	migrations := loadRepoMigrations(t)
	if len(migrations) != len(SchemaTables) {
		t.Fatalf("%s - %d migrations for %d tables", migrationsTestPrefix, len(migrations), len(SchemaTables))
	}
	for i, table := range SchemaTables {
		create := "CREATE TABLE IF NOT EXISTS " + table + " ("
		if !strings.Contains(migrations[i].SQL, create) {
			t.Errorf("%s - %s does not create %s", migrationsTestPrefix, migrations[i].Name, table)
		}
	}
	// Grants are keyed by a hash; the raw secret must have no column to land in.
	if strings.Contains(migrations[1].SQL, "api_key_value") {
		t.Errorf("%s - grant_consumptions must not store the raw api key", migrationsTestPrefix)
	}
}

// checkValues extracts the quoted values of `column ... CHECK (column IN (...))`.
func checkValues(t *testing.T, sql, column string) map[string]bool {
	t.Helper()
	re := regexp.MustCompile(`CHECK \(` + column + ` IN \(([^)]*)\)\)`)
	m := re.FindStringSubmatch(sql)
	if m == nil {
		t.Fatalf("%s - no CHECK constraint on %s", migrationsTestPrefix, column)
	}
	values := map[string]bool{}
	for _, v := range strings.Split(m[1], ",") {
		values[strings.Trim(strings.TrimSpace(v), "'")] = true
	}
	return values
}

func TestRepoMigrations_SessionChecksMatchHostStates(t *testing.T) {
	sessions := loadRepoMigrations(t)[0].SQL

	phases := checkValues(t, sessions, "phase")
	for _, p := range []host.Phase{host.PhaseUninitialized, host.PhaseInitializing, host.PhaseReady, host.PhaseFailed} {
		if !phases[string(p)] {
			t.Errorf("%s - phase CHECK rejects %s", migrationsTestPrefix, p)
		}
	}
	if len(phases) != 4 {
		t.Errorf("%s - phase CHECK allows %d values, want 4", migrationsTestPrefix, len(phases))
	}

	modes := checkValues(t, sessions, "mode")
	for _, m := range []host.Mode{host.ModeNone, host.ModeEphemeral, host.ModeInjected, host.ModeGrantExisting} {
		if !modes[string(m)] {
			t.Errorf("%s - mode CHECK rejects %s", migrationsTestPrefix, m)
		}
	}
	if len(modes) != 4 {
		t.Errorf("%s - mode CHECK allows %d values, want 4", migrationsTestPrefix, len(modes))
	}
}

func writeMigrationDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("%s - failed to write %s: %v", migrationsTestPrefix, name, err)
		}
	}
	return dir
}

func TestLoadMigrationFiles_SortsAndSkipsOtherFiles(t *testing.T) {
	dir := writeMigrationDir(t, map[string]string{
		"0002_grant_consumptions.sql": "CREATE TABLE IF NOT EXISTS grant_consumptions (grant_key TEXT PRIMARY KEY);",
		"0001_host_sessions.sql":      "CREATE TABLE IF NOT EXISTS host_sessions (session_id TEXT PRIMARY KEY);",
		"README.md":                   "# host schema",
	})
	if err := os.Mkdir(filepath.Join(dir, "0000_archive.sql"), 0755); err != nil {
		t.Fatalf("%s - mkdir: %v", migrationsTestPrefix, err)
	}

	migrations, err := LoadMigrationFiles(dir)
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", migrationsTestPrefix, err)
	}
	if len(migrations) != 2 {
		t.Fatalf("%s - got %d migrations, want 2", migrationsTestPrefix, len(migrations))
	}
	if migrations[0].Name != "0001_host_sessions.sql" || !strings.Contains(migrations[0].SQL, "host_sessions") {
		t.Errorf("%s - first migration = %+v", migrationsTestPrefix, migrations[0])
	}
	if migrations[1].Name != "0002_grant_consumptions.sql" {
		t.Errorf("%s - second migration = %s", migrationsTestPrefix, migrations[1].Name)
	}
}

func TestLoadMigrationFiles_EmptyDir(t *testing.T) {
	dir := writeMigrationDir(t, map[string]string{"notes.txt": "nothing to apply"})
	if _, err := LoadMigrationFiles(dir); err == nil {
		t.Fatalf("%s - expected error for a dir without migrations", migrationsTestPrefix)
	}
}

func TestLoadMigrationFiles_NonExistentDir(t *testing.T) {
	if _, err := LoadMigrationFiles(filepath.Join(t.TempDir(), "nonexistent")); err == nil {
		t.Fatalf("%s - expected error for non-existent dir", migrationsTestPrefix)
	}
}
