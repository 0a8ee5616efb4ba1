package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresPostStore reads evergreen content and publish stats from the
// content database:
//
//	posts(id, tenant_id, evergreen, last_published_at, publish_count)
//	publish_history(tenant_id, post_id, published_at, engagement)
type PostgresPostStore struct {
	db *sqlx.DB
}

// NewPostgresPostStore wraps an sqlx handle. A nil db yields an empty store
// so rotation degrades to a no-op without persistence.
func NewPostgresPostStore(db *sqlx.DB) *PostgresPostStore {
	return &PostgresPostStore{db: db}
}

type postRow struct {
	ID              string       `db:"id"`
	TenantID        string       `db:"tenant_id"`
	LastPublishedAt sql.NullTime `db:"last_published_at"`
	PublishCount    int          `db:"publish_count"`
}

// EvergreenPosts returns the tenant's evergreen-tagged posts.
func (s *PostgresPostStore) EvergreenPosts(ctx context.Context, tenantID string) ([]Post, error) {
	if s.db == nil {
		return nil, nil
	}
	var rows []postRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, tenant_id, last_published_at, publish_count
		   FROM posts
		  WHERE tenant_id = $1 AND evergreen = TRUE`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("posts: select evergreen: %w", err)
	}
	out := make([]Post, 0, len(rows))
	for _, r := range rows {
		p := Post{ID: r.ID, TenantID: r.TenantID, PublishCount: r.PublishCount}
		if r.LastPublishedAt.Valid {
			t := r.LastPublishedAt.Time
			p.LastPublishedAt = &t
		}
		out = append(out, p)
	}
	return out, nil
}

type sampleRow struct {
	PublishedAt time.Time       `db:"published_at"`
	Engagement  sql.NullFloat64 `db:"engagement"`
}

// PublishHistory returns publish samples since a cutoff, oldest first.
func (s *PostgresPostStore) PublishHistory(ctx context.Context, tenantID string, since time.Time) ([]PublishSample, error) {
	if s.db == nil {
		return nil, nil
	}
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT published_at, engagement
		   FROM publish_history
		  WHERE tenant_id = $1 AND published_at >= $2
		  ORDER BY published_at ASC`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("posts: select publish history: %w", err)
	}
	out := make([]PublishSample, 0, len(rows))
	for _, r := range rows {
		sample := PublishSample{At: r.PublishedAt}
		if r.Engagement.Valid {
			sample.Engagement = r.Engagement.Float64
		}
		out = append(out, sample)
	}
	return out, nil
}
