// Package integration exercises the pipeline against real Postgres and
// Redis instances started through testcontainers.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/spherical-ai/docpipe/internal/cache"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// TestContainerSetup represents the test container infrastructure.
type TestContainerSetup struct {
	PostgresContainer testcontainers.Container
	RedisContainer    testcontainers.Container
	PostgresConnStr   string
	RedisAddr         string
	cleanup           func()
}

// SetupTestContainers initializes PostgreSQL and Redis containers for testing.
func SetupTestContainers(t *testing.T) *TestContainerSetup {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("docpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pgConnStr := fmt.Sprintf("postgres://test:test@%s:%s/docpipe_test?sslmode=disable",
		pgHost, pgPort.Port())

	redisContainer, err := redis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	redisHost, err := redisContainer.Host(ctx)
	require.NoError(t, err)

	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	setup := &TestContainerSetup{
		PostgresContainer: pgContainer,
		RedisContainer:    redisContainer,
		PostgresConnStr:   pgConnStr,
		RedisAddr:         fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
		cleanup: func() {
			if err := pgContainer.Terminate(ctx); err != nil {
				t.Logf("Failed to terminate postgres container: %v", err)
			}
			if err := redisContainer.Terminate(ctx); err != nil {
				t.Logf("Failed to terminate redis container: %v", err)
			}
		},
	}

	os.Setenv("DOCPIPE_DATABASE_URL", pgConnStr)
	os.Setenv("DOCPIPE_REDIS_URL", setup.RedisAddr)

	return setup
}

// Cleanup terminates all test containers.
func (s *TestContainerSetup) Cleanup() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

// OpenDatabase opens a connection pool to the test database, waiting for it
// to accept queries.
func (s *TestContainerSetup) OpenDatabase(t *testing.T) *sql.DB {
	t.Helper()

	db, err := storage.Open(storage.DriverPostgres, s.PostgresConnStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		if err := db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("Database not ready after 30 seconds")
		case <-time.After(100 * time.Millisecond):
			continue
		}
	}

	return db
}

// RunMigrations runs database migrations on the test database.
func (s *TestContainerSetup) RunMigrations(t *testing.T) {
	t.Helper()

	db := s.OpenDatabase(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr := storage.NewMigrationManager(db, storage.DriverPostgres, filepath.Join("..", "..", "db", "migrations"))
	applied, err := mgr.Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	t.Logf("Applied migrations: %v", applied)
}

func TestPostgresConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	setup.RunMigrations(t)
	db := setup.OpenDatabase(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, table := range []string{"documents", "jobs", "document_pages", "page_blocks", "document_outputs", "job_events"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1",
			table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}

	// Re-running migrations is a no-op once the version is recorded.
	mgr := storage.NewMigrationManager(db, storage.DriverPostgres, filepath.Join("..", "..", "db", "migrations"))
	applied, err := mgr.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, applied)
}

func TestRedisConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		t.Skip("Docker not available")
	}

	setup := SetupTestContainers(t)
	defer setup.Cleanup()

	client, err := cache.NewRedisClient(cache.RedisConfig{Addr: setup.RedisAddr})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, client.Set(ctx, "probe", []byte("ok"), time.Minute))

	val, err := client.Get(ctx, "probe")
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), val)

	require.NoError(t, client.Delete(ctx, "probe"))
}

// isDockerAvailable checks if Docker is available for testing.
func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.Client().Ping(ctx)
	return err == nil
}
