package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
)

const (
	postgresUser     = "ledger"
	postgresPassword = "ledger"
)

var sharedPostgres sharedService

func postgresDSN(database string) (string, error) {
	endpoint, err := sharedPostgres.start(testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresUser,
		},
		// The server restarts once after initdb, so the line appears twice.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(containerStartupTimeout),
	}, "5432", nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		postgresUser, postgresPassword, endpoint, database), nil
}

// SetupSharedTestPostgres creates a migrated database for the test in the
// shared PostgreSQL container. The database is dropped when the test ends.
func SetupSharedTestPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	adminDSN, err := postgresDSN(postgresUser)
	if err != nil {
		t.Fatalf("Failed to get shared PostgreSQL container: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerStartupTimeout)
	defer cancel()

	admin, err := sqldb.Open(ctx, sqldb.DriverPostgres, adminDSN, sqldb.Options{MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}

	name := testDatabaseName(t.Name())
	if _, err = admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+name); err != nil {
		t.Fatalf("Failed to drop stale database: %v", err)
	}
	if _, err = admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	dsn, _ := postgresDSN(name)
	db, err := sqldb.Open(ctx, sqldb.DriverPostgres, dsn, sqldb.Options{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err = sqldb.Migrate(ctx, db, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), containerTerminateTimeout)
		defer cleanupCancel()
		_, _ = admin.ExecContext(cleanupCtx, "DROP DATABASE IF EXISTS "+name+" WITH (FORCE)")
		_ = admin.Close()
	})

	return db
}
