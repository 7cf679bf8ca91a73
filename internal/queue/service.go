package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/diabetactic/appointment-queue/internal/config"
	redisclient "github.com/diabetactic/appointment-queue/internal/redis"
)

var (
	// ErrQueueBusy is returned when the admission lock is contended; the
	// caller may simply retry.
	ErrQueueBusy = errors.New("queue is busy, please retry")
)

const admissionLockName = "lock:queue:admission"

func patientLockName(patientID uuid.UUID) string {
	return fmt.Sprintf("lock:patient:%s", patientID)
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	cfg      config.Config
}

func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, cfg config.Config) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Submit admits a patient into the consultation queue.
//
// Two locks serialize admission: the patient lock makes the
// one-active-entry-per-patient check race free, and the queue-wide lock does
// the same for the capacity check. The repository repeats both checks inside
// one transaction, so either layer alone is enough to uphold the invariants.
func (s *Service) Submit(ctx context.Context, patientID uuid.UUID) (*QueueEntry, error) {
	var created *QueueEntry

	err := s.locker.WithLock(ctx, patientLockName(patientID), func(ctx context.Context) error {
		return s.locker.WithLock(ctx, admissionLockName, func(lockCtx context.Context) error {
			maxSize, err := s.capacity(lockCtx)
			if err != nil {
				return fmt.Errorf("load capacity: %w", err)
			}

			entry, err := s.repo.SubmitEntry(lockCtx, patientID, maxSize)
			if err != nil {
				return err
			}

			created = entry

			s.logEvent(lockCtx, EventQueueSubmitted, entry, map[string]any{
				"placement": entry.Placement,
			})
			return nil
		})
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrQueueBusy
		}
		return nil, err
	}

	return created, nil
}

// transition applies a table-driven action to the entry at placement. The
// read-check-write is not atomic on its own; the compare-and-swap inside
// UpdateEntryState is what makes a concurrent conflicting transition lose
// cleanly with ErrInvalidTransition instead of corrupting state.
func (s *Service) transition(ctx context.Context, placement int64, action Action) (*QueueEntry, error) {
	entry, err := s.repo.GetEntry(ctx, placement)
	if err != nil {
		return nil, err
	}

	to, err := NextState(entry.State, action)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateEntryState(ctx, placement, entry.State, to)
}

// Accept moves a pending entry to accepted.
func (s *Service) Accept(ctx context.Context, placement int64) (*QueueEntry, error) {
	entry, err := s.transition(ctx, placement, ActionAccept)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventEntryAccepted, entry, nil)
	return entry, nil
}

// Deny moves a pending entry to denied, closing it. The patient may submit
// again afterwards and will receive a fresh placement.
func (s *Service) Deny(ctx context.Context, placement int64) (*QueueEntry, error) {
	entry, err := s.transition(ctx, placement, ActionDeny)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventEntryDenied, entry, nil)
	return entry, nil
}

// CreateAppointment attaches the patient-supplied clinical detail to an
// accepted entry, moving it to created. The record insert and the state
// flip happen in the same repository transaction.
func (s *Service) CreateAppointment(ctx context.Context, placement int64, details AppointmentDetails) (*Appointment, error) {
	if err := ValidateAppointmentDetails(details); err != nil {
		return nil, err
	}

	appt := &Appointment{
		ID:                 uuid.New(),
		Placement:          placement,
		AppointmentDetails: details,
		CreatedAt:          time.Now(),
	}

	entry, err := s.repo.CreateAppointment(ctx, appt)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventAppointmentCreated, entry, map[string]any{
		"appointment_id": appt.ID.String(),
	})

	return appt, nil
}

// Resolve records the doctor's outcome for a created appointment, moving
// its entry to resolved (terminal). When the resolution asks for a physical
// follow-up the notifier is told; notifier failures are logged, never
// returned, since delivery is owned externally.
func (s *Service) Resolve(ctx context.Context, appointmentID uuid.UUID, details ResolutionDetails) (*Resolution, error) {
	if err := ValidateResolutionDetails(details); err != nil {
		return nil, err
	}

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{
		AppointmentID:     appointmentID,
		ResolutionDetails: details,
		CreatedAt:         time.Now(),
	}

	entry, err := s.repo.CreateResolution(ctx, res, appt.Placement)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventEntryResolved, entry, map[string]any{
		"appointment_id":             appointmentID.String(),
		"emergency_care":             details.EmergencyCare,
		"needs_physical_appointment": details.NeedsPhysicalAppointment,
	})

	if details.NeedsPhysicalAppointment {
		if err := s.notifier.Dispatch(ctx, entry.PatientID, res); err != nil {
			log.Printf("notification dispatch failed for patient %s: %v", entry.PatientID, err)
		}
	}

	return res, nil
}

// State reports the patient's current queue state, StateNone when the
// patient has no active entry.
func (s *Service) State(ctx context.Context, patientID uuid.UUID) (State, error) {
	entry, err := s.repo.GetActiveEntryByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return StateNone, nil
		}
		return StateNone, fmt.Errorf("load active entry: %w", err)
	}
	return entry.State, nil
}

// Position returns the patient's 1-indexed place in line: the number of
// active entries ahead of theirs plus one. ok is false when the patient has
// no active entry.
func (s *Service) Position(ctx context.Context, patientID uuid.UUID) (pos int, ok bool, err error) {
	entry, err := s.repo.GetActiveEntryByPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load active entry: %w", err)
	}

	ahead, err := s.repo.CountActiveBefore(ctx, entry.Placement)
	if err != nil {
		return 0, false, fmt.Errorf("count entries ahead: %w", err)
	}

	return ahead + 1, true, nil
}

// ActiveCount is the number of entries currently counted against capacity.
func (s *Service) ActiveCount(ctx context.Context) (int, error) {
	return s.repo.CountActive(ctx)
}

// Capacity returns the ceiling in force for admissions.
func (s *Service) Capacity(ctx context.Context) (int, error) {
	return s.capacity(ctx)
}

func (s *Service) capacity(ctx context.Context) (int, error) {
	n, err := s.repo.GetCapacity(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return s.cfg.DefaultQueueSize, nil
	}
	return n, nil
}

// SetCapacity changes the ceiling for future admissions. Shrinking below
// the current active count is allowed and never evicts existing entries.
func (s *Service) SetCapacity(ctx context.Context, maxSize int) error {
	if maxSize < 1 {
		return invalidField("max_size", "must be >= 1")
	}
	return s.repo.SetCapacity(ctx, maxSize)
}

// PendingEntries lists entries awaiting an accept/deny decision, in queue
// order.
func (s *Service) PendingEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.repo.ListEntriesByState(ctx, StatePending)
}

// AcceptedEntries lists entries waiting on the patient's appointment detail.
func (s *Service) AcceptedEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.repo.ListEntriesByState(ctx, StateAccepted)
}

// ClearFailure records one entry ClearQueue could not transition.
type ClearFailure struct {
	Placement int64
	Err       error
}

// ClearResult reports the outcome of ClearQueue. Partial failure is
// expressed, never swallowed: an entry is either in Denied or in Failed.
type ClearResult struct {
	Denied []int64
	Failed []ClearFailure
}

// ClearQueue denies every active entry regardless of its state. This is the
// one operation that steps outside the normal transition table; it is
// irreversible and intended for administrative resets only.
func (s *Service) ClearQueue(ctx context.Context) (*ClearResult, error) {
	active, err := s.repo.ListActiveEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}

	result := &ClearResult{}
	for _, e := range active {
		if _, err := s.repo.UpdateEntryState(ctx, e.Placement, e.State, StateDenied); err != nil {
			result.Failed = append(result.Failed, ClearFailure{Placement: e.Placement, Err: err})
			continue
		}
		result.Denied = append(result.Denied, e.Placement)
	}

	log.Printf("queue cleared: denied=%d failed=%d", len(result.Denied), len(result.Failed))
	s.logEvent(ctx, EventQueueCleared, nil, map[string]any{
		"denied": len(result.Denied),
		"failed": len(result.Failed),
	})

	return result, nil
}

// Appointment returns an appointment hydrated with its queue entry and,
// when resolved, its resolution.
func (s *Service) Appointment(ctx context.Context, id uuid.UUID) (*AppointmentView, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &AppointmentView{Appointment: *appt}

	if entry, err := s.repo.GetEntry(ctx, appt.Placement); err == nil {
		view.Entry = entry
	}

	res, err := s.repo.GetResolution(ctx, id)
	if err != nil && !errors.Is(err, ErrResolutionNotFound) {
		return nil, fmt.Errorf("load resolution: %w", err)
	}
	view.Resolution = res

	return view, nil
}

// Appointments lists a patient's appointments, newest first.
func (s *Service) Appointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

// Resolution returns the resolution attached to an appointment.
func (s *Service) Resolution(ctx context.Context, appointmentID uuid.UUID) (*Resolution, error) {
	return s.repo.GetResolution(ctx, appointmentID)
}

func (s *Service) logEvent(ctx context.Context, eventType string, entry *QueueEntry, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: time.Now(),
	}
	if entry != nil {
		placement := entry.Placement
		patientID := entry.PatientID
		ev.Placement = &placement
		ev.PatientID = &patientID
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s: %v", eventType, err)
	}
}
