// Package main is the entrypoint for officex-host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/officexapp/iframe-host/internal/config"
	"github.com/officexapp/iframe-host/internal/server"
	"github.com/officexapp/iframe-host/pkg/db"
	"github.com/officexapp/iframe-host/pkg/provision"
)

const defaultGrantRetention = 30 * 24 * time.Hour

const usage = `Usage: officex-host [command]
       officex-host serve                          Start the host (NATS frame bridge, control subject, HTTP).
       officex-host migrate up                     Run database migrations.
       officex-host migrate down                   Roll back one migration (no-op; migrations are forward only).
       officex-host migrate status                 Show migration status.
       officex-host ensure-db [name]               Create database if missing (default name: officex_host_test). Uses DATABASE_URL host/user.
       officex-host clear                          Truncate stored sessions and consumed grants; schema is preserved.
       officex-host prune-grants [age]             Delete consumed-grant records older than age (default 720h).
       officex-host identity <secret>              Derive the platform user for a secret.
       officex-host spawn-org <org> <owner> <secret>
                                                   Create and activate an organization owned by the secret's user and
                                                   print the injected config for it (includes the owner API key).

Commands:
  serve           (default) Start the host.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration (optional).
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. officex_host_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate session data; schema preserved.
  prune-grants    Forget old grant consumptions; replay protection only needs recent ones.
  identity        Call the platform factory (PLATFORM_URL, FACTORY_API_KEY).
  spawn-org       Call the platform factory (PLATFORM_URL, FACTORY_API_KEY).

Environment: COMMS_URL, FRAME_ID, CHILD_ORIGIN, LOCAL_DEV_MODE, HOST_PUBLIC_URL, HOST_PROFILE_FILE,
DATABASE_URL (optional for serve), MIGRATION_PATH, HOST_HTTP_ADDR (default :8080), PLATFORM_URL, FACTORY_API_KEY.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("officex-host migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("officex-host migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("officex-host migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("officex-host migrate down: %v", err)
			}
		default:
			log.Fatalf("officex-host migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("officex-host clear: %v", err)
		}
		return
	case "prune-grants":
		age := defaultGrantRetention
		if len(args) > 1 && args[1] != "" {
			d, err := time.ParseDuration(args[1])
			if err != nil || d <= 0 {
				log.Fatalf("officex-host prune-grants: invalid age %q", args[1])
			}
			age = d
		}
		if err := runPruneGrants(age); err != nil {
			log.Fatalf("officex-host prune-grants: %v", err)
		}
		return
	case "ensure-db":
		dbName := db.DefaultTestDatabase
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("officex-host ensure-db: %v", err)
		}
		return
	case "identity":
		if len(args) < 2 || args[1] == "" {
			log.Fatalf("officex-host identity: require <secret>")
		}
		if err := runIdentity(args[1]); err != nil {
			log.Fatalf("officex-host identity: %v", err)
		}
		return
	case "spawn-org":
		if len(args) < 4 {
			log.Fatalf("officex-host spawn-org: require <org> <owner> <secret>")
		}
		if err := runSpawnOrg(args[1], args[2], args[3]); err != nil {
			log.Fatalf("officex-host spawn-org: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
		break
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("officex-host: %v", err)
	}
}

// withPool loads DB config, connects and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	})
}

func runMigrateDown() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationDown(ctx, pool, cfg.MigrationPath)
	})
}

func runClear() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearSessions(ctx, pool); err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
		return nil
	})
}

func runPruneGrants(age time.Duration) error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		n, err := db.NewRepository(pool).PruneGrants(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d grant records.\n", n)
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	targetURL, err := db.TargetDatabaseURL(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := db.EnsureDatabase(ctx, targetURL); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func newPlatformClient() (*provision.Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForPlatform(); err != nil {
		return nil, err
	}
	server.SetupLogging(cfg.LogLevel)
	return provision.NewClient(provision.NewClientParams{
		Config: provision.Config{BaseURL: cfg.PlatformURL, FactoryAPIKey: cfg.FactoryAPIKey},
	})
}

func runIdentity(secret string) error {
	client, err := newPlatformClient()
	if err != nil {
		return err
	}
	id, err := client.GenerateCryptoIdentity(context.Background(), secret)
	if err != nil {
		return err
	}
	return printJSON(id)
}

func runSpawnOrg(orgName, ownerName, secret string) error {
	client, err := newPlatformClient()
	if err != nil {
		return err
	}
	res, err := client.SpawnOrganization(context.Background(), provision.SpawnParams{
		OrgName:     orgName,
		OwnerName:   ownerName,
		OwnerSecret: secret,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Auto login: %s\n", res.AutoLoginURL)
	return printJSON(res.Injected)
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
