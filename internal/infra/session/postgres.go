package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/resilience/internal/core/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// OpenPostgres opens a pooled connection and applies the session migrations.
func OpenPostgres(ctx context.Context, cfg DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	return db, nil
}

type sessionRow struct {
	ID              string    `db:"id"`
	AccessToken     string    `db:"access_token"`
	AccessExpiresAt int64     `db:"access_expires_at"`
	RefreshToken    string    `db:"refresh_token"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// PostgresStore stores the session as one row keyed by session id.
type PostgresStore struct {
	db *sqlx.DB
	id string
}

// NewPostgresStore creates a store for session id.
func NewPostgresStore(db *sqlx.DB, id string) *PostgresStore {
	return &PostgresStore{db: db, id: id}
}

// Load returns the stored session.
func (s *PostgresStore) Load(ctx context.Context) (domain.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, access_token, access_expires_at, refresh_token, updated_at
		   FROM sessions WHERE id = $1`, s.id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	return domain.Session{
		ID:        row.ID,
		Access:    domain.AccessCredential{Token: row.AccessToken, ExpiresAt: row.AccessExpiresAt},
		Refresh:   domain.RefreshCredential{Token: row.RefreshToken},
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Save upserts the session row.
func (s *PostgresStore) Save(ctx context.Context, sess domain.Session) error {
	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sessions (id, access_token, access_expires_at, refresh_token, updated_at)
		 VALUES (:id, :access_token, :access_expires_at, :refresh_token, :updated_at)
		 ON CONFLICT (id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   access_expires_at = EXCLUDED.access_expires_at,
		   refresh_token = EXCLUDED.refresh_token,
		   updated_at = EXCLUDED.updated_at`,
		sessionRow{
			ID:              s.id,
			AccessToken:     sess.Access.Token,
			AccessExpiresAt: sess.Access.ExpiresAt,
			RefreshToken:    sess.Refresh.Token,
			UpdatedAt:       updatedAt,
		})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear deletes the session row.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, s.id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
