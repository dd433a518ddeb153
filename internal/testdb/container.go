package testdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

var (
	containerOnce sync.Once
	container     *postgres.PostgresContainer
	containerDSN  string
	containerErr  error
)

// containerURL starts the shared Postgres container on first use and
// returns its connection string.
func containerURL() (string, error) {
	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		container, containerErr = postgres.Run(ctx,
			postgresImage,
			postgres.WithDatabase("taskq_test"),
			postgres.WithUsername("taskq"),
			postgres.WithPassword("taskq"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if containerErr != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", containerErr)
			return
		}

		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
		if containerErr != nil {
			containerErr = fmt.Errorf("failed to get container connection string: %w", containerErr)
		}
	})
	return containerDSN, containerErr
}

// TerminateContainer stops the shared container if one was started. Call it
// from TestMain after m.Run; the testcontainers reaper removes it otherwise.
func TerminateContainer(ctx context.Context) error {
	if container == nil {
		return nil
	}
	return container.Terminate(ctx)
}
