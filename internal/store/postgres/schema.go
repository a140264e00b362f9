package postgres

import (
	"context"
	"fmt"
)

// Ensure creates the gateway's tables and indexes when they do not exist.
// The events table is append-only: no UPDATE or DELETE path exists anywhere
// in this package, and uniqueness of seq, event_id and cursor is enforced by
// the storage layer itself.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		seq             BIGINT PRIMARY KEY,
		event_id        TEXT NOT NULL,
		schema_version  TEXT NOT NULL,
		"timestamp"     BIGINT NOT NULL,
		"cursor"        TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		correlation_id  TEXT,
		agent_id        TEXT NOT NULL,
		peer_id         TEXT,
		tool            TEXT,
		method          TEXT,
		resource        TEXT,
		metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
		metrics         JSONB NOT NULL DEFAULT '{}'::jsonb,
		hashes          JSONB NOT NULL DEFAULT '{}'::jsonb,
		integrity       JSONB NOT NULL DEFAULT '{}'::jsonb,
		integrity_hash  TEXT NOT NULL,
		idempotency_key TEXT,
		CONSTRAINT events_event_id_key UNIQUE (event_id),
		CONSTRAINT events_cursor_key UNIQUE ("cursor"),
		CONSTRAINT events_idempotency_key_key UNIQUE (idempotency_key)
	)`,
	`CREATE INDEX IF NOT EXISTS events_timestamp_idx ON events ("timestamp")`,
	`CREATE INDEX IF NOT EXISTS events_session_idx ON events (session_id)`,
	`CREATE INDEX IF NOT EXISTS events_agent_idx ON events (agent_id)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id         TEXT PRIMARY KEY,
		job_type       TEXT NOT NULL,
		status         TEXT NOT NULL,
		request_params JSONB NOT NULL DEFAULT '{}'::jsonb,
		result         JSONB,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		expires_at     TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS selections (
		selection_id    TEXT PRIMARY KEY,
		snapshot_cursor TEXT NOT NULL,
		filter_criteria JSONB NOT NULL DEFAULT '{}'::jsonb,
		metrics         JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ
	)`,
}

func Ensure(ctx context.Context, db DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
