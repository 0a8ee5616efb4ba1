package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore persists configs as one JSONB document per tenant:
//
//	automation_configs(tenant_id PRIMARY KEY, config JSONB, updated_at)
//
// The whole document is replaced on write; rule-level edits are
// read-modify-write at the caller.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an sqlx handle. A nil db serves defaults and
// drops writes, matching the optional-persistence setup.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetConfig loads a tenant's config, falling back to the default.
func (s *PostgresStore) GetConfig(ctx context.Context, tenantID string) (Config, error) {
	if s.db == nil {
		return DefaultConfig(tenantID), nil
	}
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT config FROM automation_configs WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return DefaultConfig(tenantID), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("automation: load config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("automation: corrupt config for %s: %w", tenantID, err)
	}
	cfg.TenantID = tenantID
	return cfg, nil
}

// PutConfig validates and upserts a config document.
func (s *PostgresStore) PutConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.db == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("automation: marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_configs (tenant_id, config, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET config = $2, updated_at = $3`,
		cfg.TenantID, raw, time.Now())
	if err != nil {
		return fmt.Errorf("automation: store config: %w", err)
	}
	return nil
}
