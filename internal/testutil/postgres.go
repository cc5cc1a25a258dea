// Package testutil starts throwaway backend containers for integration
// tests. Each backend is started at most once per test binary and shared
// across the tests that ask for it; when the container cannot be started
// (typically because Docker is unavailable) the requesting test is skipped.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce      sync.Once
	pgContainer testcontainers.Container
	pgDSN       string
	pgErr       error
)

// GetPostgresDSN returns the DSN of a shared throwaway Postgres container.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	startPostgresOnce(t)
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}

func startPostgresOnce(t *testing.T) {
	t.Helper()

	pgOnce.Do(func() {
		// Generous timeout for CI environments.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16",
				ExposedPorts: []string{"5432/tcp"},
				// Same as WithWaitStrategy in newer testcontainers: the
				// strategies are wrapped in ForAll with a 60s deadline.
				WaitingFor: wait.ForAll(
					wait.ForAll(
						wait.ForListeningPort("5432/tcp"),
						wait.ForLog("ready to accept connections"),
						// Verify SQL connectivity, not just the open port.
						wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
							return fmt.Sprintf("postgres://stato:stato@%s:%s/stato_test?sslmode=disable", host, port.Port())
						}).WithQuery("SELECT 1"),
					).WithDeadline(2 * time.Minute),
				).WithDeadline(60 * time.Second),
				Env: map[string]string{
					"POSTGRES_USER":     "stato",
					"POSTGRES_PASSWORD": "stato",
					"POSTGRES_DB":       "stato_test",
				},
			},
			Started: true,
		})
		if err != nil {
			pgErr = err
			return
		}

		t.Cleanup(func() {
			_ = postgresC.Terminate(context.Background()) // best-effort cleanup
		})

		endpoint, err := postgresC.Endpoint(ctx, "")
		if err != nil {
			_ = postgresC.Terminate(context.Background()) // best-effort cleanup
			pgErr = err
			return
		}

		pgContainer = postgresC
		pgDSN = fmt.Sprintf("postgres://stato:stato@%s/stato_test?sslmode=disable", endpoint)
	})
}
