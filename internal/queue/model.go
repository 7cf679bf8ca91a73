package queue

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a queue entry. The absence of an entry is
// the logical "none" state; it is reported to callers but never persisted.
type State string

const (
	StateNone     State = "none"
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateDenied   State = "denied"
	StateCreated  State = "created"
	StateResolved State = "resolved"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateDenied || s == StateResolved
}

// Active reports whether s counts against queue capacity.
func (s State) Active() bool {
	return s == StatePending || s == StateAccepted || s == StateCreated
}

type InsulinType string

const (
	InsulinRapid InsulinType = "rapid"
	InsulinBasal InsulinType = "basal"
	InsulinMixed InsulinType = "mixed"
)

// MotiveCode is an enumerated clinical reason for requesting a consultation.
type MotiveCode string

const (
	MotiveDoseAdjustment MotiveCode = "dose_adjustment"
	MotiveHypoglycemia   MotiveCode = "hypoglycemia"
	MotiveHyperglycemia  MotiveCode = "hyperglycemia"
	MotiveDietReview     MotiveCode = "diet_review"
	MotiveDeviceIssue    MotiveCode = "device_issue"
	MotiveGeneralReview  MotiveCode = "general_review"
)

// QueueEntry is one patient's trip through the consultation queue. Placement
// doubles as identity and FIFO ordering key; it is allocated once and never
// reused, so a patient re-submitting after a terminal state gets a fresh,
// strictly larger placement.
type QueueEntry struct {
	Placement int64
	PatientID uuid.UUID
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppointmentDetails is the patient-supplied payload attached when an
// accepted entry becomes a concrete appointment.
type AppointmentDetails struct {
	ScheduledFor     time.Time
	GlucoseObjective float64
	InsulinType      InsulinType
	BasalDose        float64
	CarbRatio        float64
	Motives          []MotiveCode
	Notes            string
}

// Appointment links an entry in state created/resolved to its clinical
// detail. The body is immutable once written; only a Resolution is ever
// appended to it.
type Appointment struct {
	ID        uuid.UUID
	Placement int64
	AppointmentDetails
	CreatedAt time.Time
}

// ResolutionDetails is the doctor-supplied outcome of a created appointment.
type ResolutionDetails struct {
	BasalDoseDelta           float64
	CarbRatioDelta           float64
	Instructions             string
	EmergencyCare            bool
	NeedsPhysicalAppointment bool
}

type Resolution struct {
	AppointmentID uuid.UUID
	ResolutionDetails
	CreatedAt time.Time
}

// AppointmentView is an appointment hydrated with its entry and, when the
// consultation has concluded, its resolution.
type AppointmentView struct {
	Appointment
	Entry      *QueueEntry
	Resolution *Resolution
}

type EventLog struct {
	ID        int64
	EventType string
	Placement *int64
	PatientID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

const (
	EventQueueSubmitted     = "QUEUE_SUBMITTED"
	EventEntryAccepted      = "ENTRY_ACCEPTED"
	EventEntryDenied        = "ENTRY_DENIED"
	EventAppointmentCreated = "APPOINTMENT_CREATED"
	EventEntryResolved      = "ENTRY_RESOLVED"
	EventQueueCleared       = "QUEUE_CLEARED"
)
