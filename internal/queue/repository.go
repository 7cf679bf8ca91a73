package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrEntryNotFound        = errors.New("queue entry not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrResolutionNotFound   = errors.New("resolution not found")
	ErrDuplicateActiveEntry = errors.New("patient already has an active queue entry")
	ErrQueueFull            = errors.New("queue is at capacity")
	ErrInvalidTransition    = errors.New("invalid state transition")
)

// Repository contains all DB interactions needed by the service.
//
// SubmitEntry and UpdateEntryState carry the correctness burden: the former
// must perform the active-entry check, the active-count check, and the
// insert as one atomic unit; the latter must be a compare-and-swap on the
// expected source state.
type Repository interface {
	// Admission. maxActive is the capacity ceiling in force for this call.
	// Fails with ErrPatientNotFound when the patient FK does not resolve.
	SubmitEntry(ctx context.Context, patientID uuid.UUID, maxActive int) (*QueueEntry, error)

	GetEntry(ctx context.Context, placement int64) (*QueueEntry, error)
	GetActiveEntryByPatient(ctx context.Context, patientID uuid.UUID) (*QueueEntry, error)
	ListEntriesByState(ctx context.Context, state State) ([]QueueEntry, error)
	ListActiveEntries(ctx context.Context) ([]QueueEntry, error)

	// UpdateEntryState flips placement from `from` to `to` and returns the
	// updated entry. It fails with ErrEntryNotFound if no entry exists at
	// that placement, and ErrInvalidTransition if one exists in another
	// state.
	UpdateEntryState(ctx context.Context, placement int64, from, to State) (*QueueEntry, error)

	// Capacity accounting. CountActive is the quantity compared against the
	// configured maximum; placement values play no part in it.
	CountActive(ctx context.Context) (int, error)
	CountActiveBefore(ctx context.Context, placement int64) (int, error)

	// CreateAppointment records appt and flips its entry accepted -> created
	// in one atomic unit, so a failed insert never leaves a created entry
	// without an appointment (and vice versa).
	CreateAppointment(ctx context.Context, appt *Appointment) (*QueueEntry, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByPlacement(ctx context.Context, placement int64) (*Appointment, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// CreateResolution records res and flips the entry at placement
	// created -> resolved, atomically as above.
	CreateResolution(ctx context.Context, res *Resolution, placement int64) (*QueueEntry, error)
	GetResolution(ctx context.Context, appointmentID uuid.UUID) (*Resolution, error)

	GetCapacity(ctx context.Context) (int, error)
	SetCapacity(ctx context.Context, maxSize int) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
