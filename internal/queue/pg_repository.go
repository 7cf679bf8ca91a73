package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// admissionLockKey is the advisory lock taken for the duration of a submit
// transaction. It serializes the active-count check against concurrent
// inserts so the capacity guard can never be raced past.
const admissionLockKey = 421001

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry

	err := row.Scan(
		&e.Placement,
		&e.PatientID,
		&e.State,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	return &e, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var motives []string

	err := row.Scan(
		&a.ID,
		&a.Placement,
		&a.ScheduledFor,
		&a.GlucoseObjective,
		&a.InsulinType,
		&a.BasalDose,
		&a.CarbRatio,
		&motives,
		&a.Notes,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Motives = make([]MotiveCode, len(motives))
	for i, m := range motives {
		a.Motives[i] = MotiveCode(m)
	}
	return &a, nil
}

func scanResolution(row pgx.Row) (*Resolution, error) {
	var res Resolution

	err := row.Scan(
		&res.AppointmentID,
		&res.BasalDoseDelta,
		&res.CarbRatioDelta,
		&res.Instructions,
		&res.EmergencyCare,
		&res.NeedsPhysicalAppointment,
		&res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResolutionNotFound
		}
		return nil, err
	}

	return &res, nil
}

// Interface methods

func (r *PgRepository) SubmitEntry(ctx context.Context, patientID uuid.UUID, maxActive int) (*QueueEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockKey); err != nil {
		return nil, fmt.Errorf("acquire admission lock: %w", err)
	}

	var existing int64
	err = tx.QueryRow(ctx, `
		SELECT placement
		FROM queue_entries
		WHERE patient_id = $1
		  AND state IN ('pending', 'accepted', 'created')
		LIMIT 1
	`, patientID).Scan(&existing)
	if err == nil {
		return nil, ErrDuplicateActiveEntry
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check active entry: %w", err)
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE state IN ('pending', 'accepted', 'created')
	`).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("count active entries: %w", err)
	}
	if active >= maxActive {
		return nil, ErrQueueFull
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (placement, patient_id, state, created_at, updated_at)
		VALUES (nextval('queue_placement_seq'), $1, 'pending', now(), now())
		RETURNING placement, patient_id, state, created_at, updated_at
	`, patientID)

	entry, err := scanEntry(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503": // patient FK
				return nil, ErrPatientNotFound
			case "23505": // partial unique index on active entries
				return nil, ErrDuplicateActiveEntry
			}
		}
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit submit tx: %w", err)
	}

	return entry, nil
}

func (r *PgRepository) GetEntry(ctx context.Context, placement int64) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT placement, patient_id, state, created_at, updated_at
		FROM queue_entries
		WHERE placement = $1
	`, placement)
	return scanEntry(row)
}

func (r *PgRepository) GetActiveEntryByPatient(ctx context.Context, patientID uuid.UUID) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT placement, patient_id, state, created_at, updated_at
		FROM queue_entries
		WHERE patient_id = $1
		  AND state IN ('pending', 'accepted', 'created')
	`, patientID)
	return scanEntry(row)
}

func (r *PgRepository) ListEntriesByState(ctx context.Context, state State) ([]QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT placement, patient_id, state, created_at, updated_at
		FROM queue_entries
		WHERE state = $1
		ORDER BY placement
	`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (r *PgRepository) ListActiveEntries(ctx context.Context) ([]QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT placement, patient_id, state, created_at, updated_at
		FROM queue_entries
		WHERE state IN ('pending', 'accepted', 'created')
		ORDER BY placement
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]QueueEntry, error) {
	var result []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateEntryState(ctx context.Context, placement int64, from, to State) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE queue_entries
		SET state = $2,
		    updated_at = now()
		WHERE placement = $1
		  AND state = $3
		RETURNING placement, patient_id, state, created_at, updated_at
	`, placement, to, from)

	entry, err := scanEntry(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	// CAS missed: distinguish a missing entry from one in the wrong state.
	if _, getErr := r.GetEntry(ctx, placement); getErr != nil {
		return nil, getErr
	}
	return nil, ErrInvalidTransition
}

func (r *PgRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE state IN ('pending', 'accepted', 'created')
	`).Scan(&n)
	return n, err
}

func (r *PgRepository) CountActiveBefore(ctx context.Context, placement int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM queue_entries
		WHERE state IN ('pending', 'accepted', 'created')
		  AND placement < $1
	`, placement).Scan(&n)
	return n, err
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt *Appointment) (*QueueEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin appointment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := r.casEntryState(ctx, tx, appt.Placement, StateAccepted, StateCreated)
	if err != nil {
		return nil, err
	}

	motives := make([]string, len(appt.Motives))
	for i, m := range appt.Motives {
		motives[i] = string(m)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (
			id, placement, scheduled_for, glucose_objective, insulin_type,
			basal_dose, carb_ratio, motives, notes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, appt.ID, appt.Placement, appt.ScheduledFor, appt.GlucoseObjective,
		appt.InsulinType, appt.BasalDose, appt.CarbRatio, motives, appt.Notes,
		appt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit appointment tx: %w", err)
	}

	return entry, nil
}

// casEntryState is UpdateEntryState inside a caller-owned transaction.
func (r *PgRepository) casEntryState(ctx context.Context, tx pgx.Tx, placement int64, from, to State) (*QueueEntry, error) {
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET state = $2,
		    updated_at = now()
		WHERE placement = $1
		  AND state = $3
		RETURNING placement, patient_id, state, created_at, updated_at
	`, placement, to, from)

	entry, err := scanEntry(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	var exists bool
	if checkErr := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queue_entries WHERE placement = $1)
	`, placement).Scan(&exists); checkErr != nil {
		return nil, checkErr
	}
	if !exists {
		return nil, ErrEntryNotFound
	}
	return nil, ErrInvalidTransition
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, placement, scheduled_for, glucose_objective, insulin_type,
		       basal_dose, carb_ratio, motives, notes, created_at
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByPlacement(ctx context.Context, placement int64) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, placement, scheduled_for, glucose_objective, insulin_type,
		       basal_dose, carb_ratio, motives, notes, created_at
		FROM appointments
		WHERE placement = $1
	`, placement)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.placement, a.scheduled_for, a.glucose_objective, a.insulin_type,
		       a.basal_dose, a.carb_ratio, a.motives, a.notes, a.created_at
		FROM appointments a
		JOIN queue_entries e ON e.placement = a.placement
		WHERE e.patient_id = $1
		ORDER BY a.placement DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CreateResolution(ctx context.Context, res *Resolution, placement int64) (*QueueEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin resolution tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := r.casEntryState(ctx, tx, placement, StateCreated, StateResolved)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO resolutions (
			appointment_id, basal_dose_delta, carb_ratio_delta, instructions,
			emergency_care, needs_physical_appointment, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.AppointmentID, res.BasalDoseDelta, res.CarbRatioDelta,
		res.Instructions, res.EmergencyCare, res.NeedsPhysicalAppointment,
		res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert resolution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit resolution tx: %w", err)
	}

	return entry, nil
}

func (r *PgRepository) GetResolution(ctx context.Context, appointmentID uuid.UUID) (*Resolution, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT appointment_id, basal_dose_delta, carb_ratio_delta, instructions,
		       emergency_care, needs_physical_appointment, created_at
		FROM resolutions
		WHERE appointment_id = $1
	`, appointmentID)
	return scanResolution(row)
}

// GetCapacity returns the configured ceiling, or 0 when no admin has set one
// yet; the service substitutes its configured default in that case.
func (r *PgRepository) GetCapacity(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT max_size FROM queue_settings WHERE id = 1
	`).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (r *PgRepository) SetCapacity(ctx context.Context, maxSize int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_settings (id, max_size, updated_at)
		VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE
		SET max_size = EXCLUDED.max_size, updated_at = now()
	`, maxSize)
	if err != nil {
		return fmt.Errorf("set queue capacity: %w", err)
	}

	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, placement, patient_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.Placement, ev.PatientID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
