package store

import (
	"context"
	"fmt"
)

// migrationStatements are applied in order at startup. Statements are
// idempotent so repeated boots against the same database are safe.
var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		roles TEXT[] NOT NULL DEFAULT '{viewer}',
		password_hash TEXT NOT NULL,
		customer_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS users_customer_ref_idx ON users (customer_ref) WHERE customer_ref <> ''`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		room TEXT NOT NULL UNIQUE,
		creator_id TEXT NOT NULL REFERENCES users (id),
		title TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		recording_state TEXT NOT NULL,
		recording_job_id TEXT,
		artifact_url TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_creator
		ON sessions (creator_id) WHERE state <> 'ENDED'`,
	`CREATE INDEX IF NOT EXISTS sessions_state_idx ON sessions (state)`,
	`CREATE TABLE IF NOT EXISTS viewers (
		session_id TEXT NOT NULL REFERENCES sessions (id),
		user_id TEXT NOT NULL,
		provider_identity TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		joined_at TIMESTAMPTZ NOT NULL,
		left_at TIMESTAMPTZ,
		PRIMARY KEY (session_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS viewers_active_idx ON viewers (session_id) WHERE active`,
	`CREATE TABLE IF NOT EXISTS recording_jobs (
		session_id TEXT PRIMARY KEY REFERENCES sessions (id),
		external_id TEXT NOT NULL,
		object_key TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS provider_events (
		provider TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		event_kind TEXT NOT NULL,
		payload_digest TEXT NOT NULL,
		applied BOOLEAN NOT NULL DEFAULT FALSE,
		received_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (provider, idempotency_key)
	)`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users (id),
		expires_at TIMESTAMPTZ NOT NULL,
		absolute_expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS auth_sessions_expiry_idx ON auth_sessions (expires_at)`,
}

// Migrate creates the coordinator schema if it does not already exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range migrationStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
