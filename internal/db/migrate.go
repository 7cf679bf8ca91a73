package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema for the queue engine. The partial unique index on queue_entries is
// the storage-level backstop for the one-active-entry-per-patient invariant;
// placements come from a dedicated sequence so they are never reused even
// after entries reach a terminal state.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id          uuid PRIMARY KEY,
		name        text NOT NULL,
		email       text,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE SEQUENCE IF NOT EXISTS queue_placement_seq`,

	`CREATE TABLE IF NOT EXISTS queue_entries (
		placement   bigint PRIMARY KEY,
		patient_id  uuid NOT NULL REFERENCES patients(id),
		state       text NOT NULL,
		created_at  timestamptz NOT NULL,
		updated_at  timestamptz NOT NULL
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS queue_entries_one_active_per_patient
		ON queue_entries (patient_id)
		WHERE state IN ('pending', 'accepted', 'created')`,

	`CREATE INDEX IF NOT EXISTS queue_entries_patient_state_idx
		ON queue_entries (patient_id, state)`,

	`CREATE TABLE IF NOT EXISTS appointments (
		id                uuid PRIMARY KEY,
		placement         bigint NOT NULL UNIQUE REFERENCES queue_entries(placement),
		scheduled_for     timestamptz NOT NULL,
		glucose_objective double precision NOT NULL,
		insulin_type      text NOT NULL,
		basal_dose        double precision NOT NULL,
		carb_ratio        double precision NOT NULL,
		motives           text[] NOT NULL,
		notes             text NOT NULL DEFAULT '',
		created_at        timestamptz NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS resolutions (
		appointment_id             uuid PRIMARY KEY REFERENCES appointments(id),
		basal_dose_delta           double precision NOT NULL,
		carb_ratio_delta           double precision NOT NULL,
		instructions               text NOT NULL DEFAULT '',
		emergency_care             boolean NOT NULL,
		needs_physical_appointment boolean NOT NULL,
		created_at                 timestamptz NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS queue_settings (
		id         smallint PRIMARY KEY CHECK (id = 1),
		max_size   integer NOT NULL CHECK (max_size >= 1),
		updated_at timestamptz NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS event_logs (
		id         bigserial PRIMARY KEY,
		event_type text NOT NULL,
		placement  bigint,
		patient_id uuid,
		payload    jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. All statements are idempotent, so it is safe
// to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
