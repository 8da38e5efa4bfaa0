package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/database"
)

// PostgresImage is the image integration tests run against.
const PostgresImage = "postgres:16-alpine"

type pgContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

var (
	sharedPG     *pgContainer
	sharedPGOnce sync.Once
	sharedPGErr  error
	pgDatabaseID atomic.Uint64
)

func (c *pgContainer) dsn(dbname string) string {
	return fmt.Sprintf("postgres://mastr:mastr@%s:%s/%s?sslmode=disable", c.host, c.port, dbname)
}

// NewPostgresTestDB returns a migrated connection to a PostgreSQL database
// for this test. The container is shared across the run; each call gets
// its own database, so tests stay independent. Callers live behind the
// integration build tag; short mode skips them as well.
func NewPostgresTestDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	sharedPGOnce.Do(func() {
		sharedPG, sharedPGErr = startPostgres()
	})
	if sharedPGErr != nil {
		t.Fatalf("failed to start postgres container: %v", sharedPGErr)
	}

	ctx := context.Background()
	name := fmt.Sprintf("mastr_test_%d", pgDatabaseID.Add(1))

	admin, err := database.Open(ctx, &database.Config{DSN: sharedPG.dsn("mastr")})
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+name)
	admin.Close()
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	db, err := database.Open(ctx, &database.Config{DSN: sharedPG.dsn(name)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(db, MigrationsPath(t), zap.NewNop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func startPostgres() (*pgContainer, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "mastr",
			"POSTGRES_PASSWORD": "mastr",
			"POSTGRES_DB":       "mastr",
		},
		// The server restarts once after initdb; wait for the second
		// ready line.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mapped port: %w", err)
	}
	return &pgContainer{container: container, host: host, port: port.Port()}, nil
}
