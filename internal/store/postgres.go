package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"yoma-reconciler/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist (anymore).
	ErrNotFound = errors.New("store: row not found")
	// ErrInvalidBatchSize is returned for a non-positive fetch limit.
	ErrInvalidBatchSize = errors.New("store: batch size must be positive")
	// ErrStateMismatch is returned when a conditional update finds the row in another state.
	ErrStateMismatch = errors.New("store: row not in expected state")
)

// Store wraps a database/sql pool backed by the pgx driver.
type Store struct {
	db *sql.DB
}

// New creates a pooled connection to Postgres, retrying the first ping with backoff.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ping := func() error { return db.PingContext(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListStatuses returns every row of a status table sorted by name.
func (s *Store) ListStatuses(ctx context.Context, statusTable string) ([]models.StatusLookup, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, name, date_created FROM %s ORDER BY name
	`, pgx.Identifier{statusTable}.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", statusTable, err)
	}
	defer rows.Close()

	var out []models.StatusLookup
	for rows.Next() {
		var st models.StatusLookup
		if err := rows.Scan(&st.ID, &st.Name, &st.DateCreated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", statusTable, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", statusTable, err)
	}
	return out, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

func timePtr(v sql.NullTime) *time.Time {
	if v.Valid {
		return &v.Time
	}
	return nil
}
