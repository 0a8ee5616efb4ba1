package scheduler

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostStore(t *testing.T) (*PostgresPostStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresPostStore(sqlx.NewDb(db, "postgres")), mock
}

func TestEvergreenPostsQuery(t *testing.T) {
	store, mock := newMockPostStore(t)
	last := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM posts").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "last_published_at", "publish_count",
		}).
			AddRow("p1", "t1", last, 2).
			AddRow("p2", "t1", nil, 0))

	posts, err := store.EvergreenPosts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	require.NotNil(t, posts[0].LastPublishedAt)
	assert.Equal(t, last, *posts[0].LastPublishedAt)
	assert.Nil(t, posts[1].LastPublishedAt, "never-published posts carry no timestamp")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishHistoryQuery(t *testing.T) {
	store, mock := newMockPostStore(t)
	since := time.Date(2026, 5, 17, 0, 0, 0, 0, time.UTC)
	published := time.Date(2026, 8, 11, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM publish_history").
		WithArgs("t1", since).
		WillReturnRows(sqlmock.NewRows([]string{"published_at", "engagement"}).
			AddRow(published, 42.5).
			AddRow(published.Add(time.Hour), nil))

	samples, err := store.PublishHistory(context.Background(), "t1", since)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.InDelta(t, 42.5, samples[0].Engagement, 1e-9)
	assert.Zero(t, samples[1].Engagement, "null engagement reads as zero")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilDBPostStoreIsEmpty(t *testing.T) {
	store := NewPostgresPostStore(nil)

	posts, err := store.EvergreenPosts(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, posts)

	samples, err := store.PublishHistory(context.Background(), "t1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, samples)
}
