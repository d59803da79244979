package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied on startup. Statements are idempotent so restarts are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS points_accounts (
		user_id      BIGINT PRIMARY KEY,
		total_points BIGINT NOT NULL DEFAULT 0,
		held_points  BIGINT NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT points_accounts_balance_check
			CHECK (held_points >= 0 AND held_points <= total_points)
	)`,

	`CREATE TABLE IF NOT EXISTS point_transactions (
		id              UUID PRIMARY KEY,
		user_id         BIGINT NOT NULL,
		group_id        BIGINT,
		amount          BIGINT NOT NULL CHECK (amount > 0),
		kind            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS point_transactions_idempotency_key_idx
		ON point_transactions (idempotency_key) WHERE idempotency_key IS NOT NULL`,

	`CREATE INDEX IF NOT EXISTS point_transactions_user_id_idx
		ON point_transactions (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS groups (
		id              BIGSERIAL PRIMARY KEY,
		creator_id      BIGINT NOT NULL,
		name            TEXT NOT NULL,
		status          TEXT NOT NULL,
		current_phase   TEXT NOT NULL,
		points_required BIGINT NOT NULL DEFAULT 0 CHECK (points_required >= 0),
		min_members     INT NOT NULL CHECK (min_members >= 1),
		max_members     INT NOT NULL CHECK (max_members >= min_members),
		round_number    INT NOT NULL DEFAULT 1,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS group_admins (
		group_id BIGINT NOT NULL REFERENCES groups(id),
		user_id  BIGINT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS memberships (
		id              BIGSERIAL PRIMARY KEY,
		group_id        BIGINT NOT NULL REFERENCES groups(id),
		user_id         BIGINT NOT NULL,
		role            TEXT NOT NULL,
		status          TEXT NOT NULL,
		approval_status TEXT NOT NULL,
		joined_at       TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (group_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS voting_sessions (
		id                   BIGSERIAL PRIMARY KEY,
		group_id             BIGINT NOT NULL REFERENCES groups(id),
		type                 TEXT NOT NULL,
		subject_id           BIGINT,
		candidate_id         BIGINT,
		status               TEXT NOT NULL,
		deadline             TIMESTAMPTZ NOT NULL,
		votes_for            INT NOT NULL DEFAULT 0,
		votes_against        INT NOT NULL DEFAULT 0,
		eligible_voter_count INT NOT NULL,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS votes (
		session_id BIGINT NOT NULL REFERENCES voting_sessions(id),
		voter_id   BIGINT NOT NULL,
		approve    BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, voter_id)
	)`,
}

// Migrate applies the schema to the database
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
