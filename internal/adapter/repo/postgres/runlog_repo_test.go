package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
)

func TestRunLogRepo_StartReturnsULID(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewRunLogRepo(pool)
	id, err := repo.Start(context.Background(), "daily")
	require.NoError(t, err)
	assert.Len(t, id, 26)
}

func TestRunLogRepo_Finish(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewRunLogRepo(pool)
	err := repo.Finish(context.Background(), "01H", "done", "ok")
	require.NoError(t, err)
}

func TestRunLogRepo_DeleteOlderThan(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 3")}
	repo := postgres.NewRunLogRepo(pool)
	n, err := repo.DeleteOlderThan(context.Background(), time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
