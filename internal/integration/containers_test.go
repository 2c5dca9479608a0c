//go:build ignore
// Integration tests are disabled by default: they spin up a real Postgres
// container and are excluded from the normal test run. Run explicitly with
// `go test -tags ignore ./internal/integration/...` against a Docker daemon.

package integration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

const schemaDDL = `
CREATE TABLE run_queue (
	id BIGSERIAL PRIMARY KEY,
	subscriber_id BIGINT NOT NULL,
	spreadsheet_id TEXT,
	handle TEXT NOT NULL,
	run_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INT NOT NULL DEFAULT 0,
	next_run_at TIMESTAMPTZ NOT NULL,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE post_queue (
	id BIGSERIAL PRIMARY KEY,
	subscriber_id BIGINT NOT NULL,
	handle TEXT NOT NULL,
	post_url TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	requires_d7_hot BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL,
	attempt INT NOT NULL DEFAULT 0,
	next_run_at TIMESTAMPTZ NOT NULL,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (subscriber_id, handle, post_url, checkpoint)
);
`

// Test_QueueRepo_FetchNext_SkipLocked proves the claim query's concurrency
// property against a real server: with more workers racing FetchNext than
// there are pending jobs, every job is claimed by exactly one worker and no
// two workers ever observe the same row.
func Test_QueueRepo_FetchNext_SkipLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "signalpipe"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: pgReq, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/signalpipe?sslmode=disable", host, port.Port())

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.Eventually(t, func() bool {
		_, err := pool.Exec(ctx, schemaDDL)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)

	repo := postgres.NewQueueRepo(pool)
	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		require.NoError(t, repo.EnqueueHandle(ctx, 1, "sheet-1", fmt.Sprintf("handle-%d", i), domain.RunTypeDaily))
	}

	const workerCount = 8
	var claimed int64
	seen := make(map[int64]struct{}, jobCount)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for {
				job, err := repo.FetchNext(ctx, domain.QueueHandle)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				_, dup := seen[job.ID]
				seen[job.ID] = struct{}{}
				mu.Unlock()
				require.False(t, dup, "job %d claimed twice", job.ID)
				atomic.AddInt64(&claimed, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(jobCount), claimed)
	require.Len(t, seen, jobCount)
}
