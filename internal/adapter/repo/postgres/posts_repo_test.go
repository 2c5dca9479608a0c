package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedpulse/signalpipe/internal/adapter/repo/postgres"
	"github.com/feedpulse/signalpipe/internal/domain"
)

func TestPostsRepo_UpsertCore(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewPostsRepo(pool)
	err := repo.UpsertCore(context.Background(), domain.PostCore{SubscriberID: 1, Handle: "creator1", PostURL: "https://example.com/p/1"})
	require.NoError(t, err)
}

func TestPostsRepo_GetSnapshot_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewPostsRepo(pool)
	_, err := repo.GetSnapshot(context.Background(), 1, "creator1", "https://example.com/p/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostsRepo_GetSnapshot_Error(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return errors.New("conn reset") }}}
	repo := postgres.NewPostsRepo(pool)
	_, err := repo.GetSnapshot(context.Background(), 1, "creator1", "https://example.com/p/1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestPostsRepo_MergeSnapshot_UnknownCheckpoint(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewPostsRepo(pool)
	err := repo.MergeSnapshot(context.Background(), 1, "creator1", "https://example.com/p/1", domain.Checkpoint("d99"), domain.CheckpointTriple{}, "Reel")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPostsRepo_MergeSnapshot_OK(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewPostsRepo(pool)
	views := int64(100)
	err := repo.MergeSnapshot(context.Background(), 1, "creator1", "https://example.com/p/1", domain.CheckpointD3, domain.CheckpointTriple{Views: &views}, "Reel")
	require.NoError(t, err)
}

func TestPostsRepo_CohortPool_UnknownCheckpoint(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewPostsRepo(pool)
	_, err := repo.CohortPool(context.Background(), 1, "creator1", "Reel", domain.Checkpoint("bogus"))
	require.Error(t, err)
}

func TestPostsRepo_CohortPool_BidirectionalSubstringMatch(t *testing.T) {
	views1, views2, views3 := int64(10), int64(20), int64(30)
	rows := &rowsStub{scans: []func(dest ...any) error{
		func(dest ...any) error { return scanCohortRow(dest, "Reel", &views1) },
		func(dest ...any) error { return scanCohortRow(dest, "Reels", &views2) },
		func(dest ...any) error { return scanCohortRow(dest, "Carousel", &views3) },
	}}
	pool := &poolStub{rows: rows}
	repo := postgres.NewPostsRepo(pool)
	out, err := repo.CohortPool(context.Background(), 1, "creator1", "Reel", domain.CheckpointD3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Reel", out[0].MediaType)
	assert.Equal(t, "Reels", out[1].MediaType)
}

func scanCohortRow(dest []any, mediaType string, views *int64) error {
	mtPtr := dest[0].(**string)
	v := mediaType
	*mtPtr = &v
	viewsPtr := dest[1].(**int64)
	*viewsPtr = views
	return nil
}
