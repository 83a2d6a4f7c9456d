// Package testutil provides Postgres and Redis fixtures for integration tests.
// Tests skip when the backing service is unreachable unless TEST_REQUIRE_INFRA
// (or the per-service TEST_REQUIRE_DB / TEST_REQUIRE_REDIS) is set.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/sopline/internal/migrate"
)

// InfraConfig locates the test Postgres and Redis instances.
// Defaults match the docker-compose test profile.
type InfraConfig struct {
	DBHost       string `env:"TEST_DB_HOST"       envDefault:"localhost"`
	DBPort       string `env:"TEST_DB_PORT"       envDefault:"55432"`
	DBUser       string `env:"TEST_DB_USER"       envDefault:"sopline"`
	DBPassword   string `env:"TEST_DB_PASSWORD"   envDefault:"sopline"`
	DBName       string `env:"TEST_DB_NAME"       envDefault:"sopline"`
	DBEphemeral  bool   `env:"TEST_DB_EPHEMERAL"`
	RedisAddr    string `env:"TEST_REDIS_ADDR"    envDefault:"localhost:56379"`
	RedisDB      int    `env:"TEST_REDIS_DB"      envDefault:"1"`
	RequireInfra bool   `env:"TEST_REQUIRE_INFRA"`
	RequireDB    bool   `env:"TEST_REQUIRE_DB"`
	RequireRedis bool   `env:"TEST_REQUIRE_REDIS"`
}

// LoadInfraConfig reads InfraConfig from the environment.
func LoadInfraConfig(t testing.TB) InfraConfig {
	t.Helper()
	cfg, err := env.ParseAs[InfraConfig]()
	if err != nil {
		t.Fatalf("parse test infra config: %v", err)
	}
	return cfg
}

// DSN returns the connection string for the test database.
func (c InfraConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func unavailable(t testing.TB, required bool, what string, err error) {
	t.Helper()
	if required {
		t.Fatalf("%s not available: %v", what, err)
	}
	t.Skipf("%s not available: %v", what, err)
}

// WithAutoDB runs fn against a migrated database. With TEST_DB_EPHEMERAL set
// each test gets its own schema; otherwise the shared database is emptied before and after.
func WithAutoDB(t testing.TB, fn func(*sql.DB)) {
	t.Helper()
	cfg := LoadInfraConfig(t)

	db := open(t, cfg, cfg.DSN())
	if cfg.DBEphemeral {
		db = useEphemeralSchema(t, cfg, db)
	}
	t.Cleanup(func() {
		if !cfg.DBEphemeral {
			truncate(t, db)
		}
		if err := db.Close(); err != nil {
			t.Logf("close test db: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := migrate.Run(ctx, db, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if !cfg.DBEphemeral {
		truncate(t, db)
	}
	fn(db)
}

func open(t testing.TB, cfg InfraConfig, dsn string) *sql.DB {
	t.Helper()
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		unavailable(t, cfg.RequireInfra || cfg.RequireDB, "test database", err)
	}
	return db
}

// useEphemeralSchema creates a random schema with admin and returns a handle
// whose search_path points at it. The schema is dropped on cleanup.
func useEphemeralSchema(t testing.TB, cfg InfraConfig, admin *sql.DB) *sql.DB {
	t.Helper()
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	schema := "t_" + hex.EncodeToString(b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcancel()
		if _, err := admin.ExecContext(dctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		_ = admin.Close()
	})

	u, err := url.Parse(cfg.DSN())
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	t.Logf("using ephemeral schema %s", schema)
	return open(t, cfg, u.String())
}

func truncate(t testing.TB, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `TRUNCATE webhook_deliveries, tasks, jobs, webhooks CASCADE`); err != nil {
		t.Fatalf("truncate test tables: %v", err)
	}
}

// SetupTestRedis returns a client on an emptied test database index.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	cfg := LoadInfraConfig(t)

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		unavailable(t, cfg.RequireInfra || cfg.RequireRedis, "test redis at "+cfg.RedisAddr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test redis db %d: %v", cfg.RedisDB, err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("close test redis: %v", err)
		}
	})
	return client
}
