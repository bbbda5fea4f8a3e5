package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/postmelder/postmelder-core/internal/secrets"
)

// StoredConfig is the persisted mail configuration. The password is kept as
// an encrypted triple and never stored in the clear.
type StoredConfig struct {
	Username  string
	Password  secrets.Hash
	Host      string
	Port      int
	SSL       bool
	UpdatedAt time.Time
}

// MailConfigRepository persists the single mail configuration row.
type MailConfigRepository interface {
	// Load returns the stored configuration, or ErrNotConfigured when no
	// configuration has been saved yet.
	Load(ctx context.Context) (*StoredConfig, error)

	// Save replaces the stored configuration.
	Save(ctx context.Context, cfg StoredConfig) error
}

// SQLiteMailConfigRepository stores the configuration in the mail_config
// table, which holds at most one row.
type SQLiteMailConfigRepository struct {
	db *sql.DB
}

// NewSQLiteMailConfigRepository creates a repository on the given database.
func NewSQLiteMailConfigRepository(db *sql.DB) *SQLiteMailConfigRepository {
	return &SQLiteMailConfigRepository{db: db}
}

func (r *SQLiteMailConfigRepository) Load(ctx context.Context) (*StoredConfig, error) {
	query := `
		SELECT username, password_iv, password_data, password_auth_tag,
		       host, port, ssl, updated_at
		FROM mail_config
		WHERE id = 1
	`

	var cfg StoredConfig
	var updatedAt string

	err := r.db.QueryRowContext(ctx, query).Scan(
		&cfg.Username,
		&cfg.Password.IV,
		&cfg.Password.Data,
		&cfg.Password.AuthTag,
		&cfg.Host,
		&cfg.Port,
		&cfg.SSL,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("loading mail config: %w", err)
	}

	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		cfg.UpdatedAt = ts
	}

	return &cfg, nil
}

func (r *SQLiteMailConfigRepository) Save(ctx context.Context, cfg StoredConfig) error {
	query := `
		INSERT OR REPLACE INTO mail_config
			(id, username, password_iv, password_data, password_auth_tag,
			 host, port, ssl, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	updatedAt := cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		cfg.Username,
		cfg.Password.IV,
		cfg.Password.Data,
		cfg.Password.AuthTag,
		cfg.Host,
		cfg.Port,
		cfg.SSL,
		updatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving mail config: %w", err)
	}
	return nil
}
