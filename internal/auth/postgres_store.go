package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSessionStore persists sessions to a Postgres table, allowing multiple
// coordinator replicas to share authentication state.
type PostgresSessionStore struct {
	pool    *pgxpool.Pool
	owned   bool
	timeout time.Duration
}

// PostgresSessionStoreOption configures a PostgresSessionStore.
type PostgresSessionStoreOption func(*PostgresSessionStore)

// WithTimeout bounds each store operation with a context deadline.
func WithTimeout(timeout time.Duration) PostgresSessionStoreOption {
	return func(s *PostgresSessionStore) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewPostgresSessionStore opens a Postgres-backed session store using the provided DSN.
func NewPostgresSessionStore(dsn string, opts ...PostgresSessionStoreOption) (*PostgresSessionStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres session dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres session config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres session pool: %w", err)
	}
	store := &PostgresSessionStore{pool: pool, owned: true, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

// NewPostgresSessionStoreFromPool wraps an existing pool, typically the one
// the session repository already holds, so both share connections. Close
// becomes a no-op; the pool's owner remains responsible for it.
func NewPostgresSessionStoreFromPool(pool *pgxpool.Pool, opts ...PostgresSessionStoreOption) *PostgresSessionStore {
	store := &PostgresSessionStore{pool: pool, timeout: 5 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Close releases the Postgres connection pool resources when the store owns them.
func (s *PostgresSessionStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil || !s.owned {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresSessionStore) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Save stores or updates the session row keyed by token hash.
func (s *PostgresSessionStore) Save(tokenHash, userID string, expiresAt, absoluteExpiresAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO auth_sessions (token_hash, user_id, expires_at, absolute_expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token_hash) DO UPDATE SET
        user_id = EXCLUDED.user_id,
        expires_at = EXCLUDED.expires_at,
        absolute_expires_at = EXCLUDED.absolute_expires_at
`, tokenHash, userID, expiresAt.UTC(), absoluteExpiresAt.UTC())
	return err
}

// Get fetches the session details for the provided token hash.
func (s *PostgresSessionStore) Get(tokenHash string) (SessionRecord, bool, error) {
	if s.pool == nil {
		return SessionRecord{}, false, fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	row := s.pool.QueryRow(ctx, `
SELECT user_id, expires_at, absolute_expires_at
FROM auth_sessions
WHERE token_hash = $1
`, tokenHash)
	record := SessionRecord{TokenHash: tokenHash}
	if err := row.Scan(&record.UserID, &record.ExpiresAt, &record.AbsoluteExpiresAt); err != nil {
		if isNoRows(err) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	return record, true, nil
}

// Delete removes the session row.
func (s *PostgresSessionStore) Delete(tokenHash string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

// PurgeExpired deletes expired sessions from the table and reports how many
// rows were removed.
func (s *PostgresSessionStore) PurgeExpired(now time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres session pool not configured")
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM auth_sessions WHERE expires_at <= $1 OR absolute_expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies the backing pool is reachable.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres session pool not configured")
	}
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
