package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/diabetactic/appointment-queue/internal/queue"
)

type SubmitRequest struct {
	PatientID string `json:"patient_id"`
}

type EntryResponse struct {
	Placement int64     `json:"placement"`
	PatientID uuid.UUID `json:"patient_id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func entryResponse(e *queue.QueueEntry) EntryResponse {
	return EntryResponse{
		Placement: e.Placement,
		PatientID: e.PatientID,
		State:     string(e.State),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

type StateResponse struct {
	State string `json:"state"`
}

type PositionResponse struct {
	Position *int `json:"position"`
}

type CreateAppointmentRequest struct {
	ScheduledFor     time.Time `json:"scheduled_for"`
	GlucoseObjective float64   `json:"glucose_objective"`
	InsulinType      string    `json:"insulin_type"`
	BasalDose        float64   `json:"basal_dose"`
	CarbRatio        float64   `json:"carb_ratio"`
	Motives          []string  `json:"motives"`
	Notes            string    `json:"notes,omitempty"`
}

func (r CreateAppointmentRequest) details() queue.AppointmentDetails {
	motives := make([]queue.MotiveCode, len(r.Motives))
	for i, m := range r.Motives {
		motives[i] = queue.MotiveCode(m)
	}
	return queue.AppointmentDetails{
		ScheduledFor:     r.ScheduledFor,
		GlucoseObjective: r.GlucoseObjective,
		InsulinType:      queue.InsulinType(r.InsulinType),
		BasalDose:        r.BasalDose,
		CarbRatio:        r.CarbRatio,
		Motives:          motives,
		Notes:            r.Notes,
	}
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	Placement        int64     `json:"placement"`
	ScheduledFor     time.Time `json:"scheduled_for"`
	GlucoseObjective float64   `json:"glucose_objective"`
	InsulinType      string    `json:"insulin_type"`
	BasalDose        float64   `json:"basal_dose"`
	CarbRatio        float64   `json:"carb_ratio"`
	Motives          []string  `json:"motives"`
	Notes            string    `json:"notes,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	State      string              `json:"state,omitempty"`
	Resolution *ResolutionResponse `json:"resolution,omitempty"`
}

func appointmentResponse(a *queue.Appointment) AppointmentResponse {
	motives := make([]string, len(a.Motives))
	for i, m := range a.Motives {
		motives[i] = string(m)
	}
	return AppointmentResponse{
		ID:               a.ID,
		Placement:        a.Placement,
		ScheduledFor:     a.ScheduledFor,
		GlucoseObjective: a.GlucoseObjective,
		InsulinType:      string(a.InsulinType),
		BasalDose:        a.BasalDose,
		CarbRatio:        a.CarbRatio,
		Motives:          motives,
		Notes:            a.Notes,
		CreatedAt:        a.CreatedAt,
	}
}

type CreateResolutionRequest struct {
	BasalDoseDelta           float64 `json:"basal_dose_delta"`
	CarbRatioDelta           float64 `json:"carb_ratio_delta"`
	Instructions             string  `json:"instructions,omitempty"`
	EmergencyCare            bool    `json:"emergency_care"`
	NeedsPhysicalAppointment bool    `json:"needs_physical_appointment"`
}

func (r CreateResolutionRequest) details() queue.ResolutionDetails {
	return queue.ResolutionDetails{
		BasalDoseDelta:           r.BasalDoseDelta,
		CarbRatioDelta:           r.CarbRatioDelta,
		Instructions:             r.Instructions,
		EmergencyCare:            r.EmergencyCare,
		NeedsPhysicalAppointment: r.NeedsPhysicalAppointment,
	}
}

type ResolutionResponse struct {
	AppointmentID            uuid.UUID `json:"appointment_id"`
	BasalDoseDelta           float64   `json:"basal_dose_delta"`
	CarbRatioDelta           float64   `json:"carb_ratio_delta"`
	Instructions             string    `json:"instructions,omitempty"`
	EmergencyCare            bool      `json:"emergency_care"`
	NeedsPhysicalAppointment bool      `json:"needs_physical_appointment"`
	CreatedAt                time.Time `json:"created_at"`
}

func resolutionResponse(res *queue.Resolution) ResolutionResponse {
	return ResolutionResponse{
		AppointmentID:            res.AppointmentID,
		BasalDoseDelta:           res.BasalDoseDelta,
		CarbRatioDelta:           res.CarbRatioDelta,
		Instructions:             res.Instructions,
		EmergencyCare:            res.EmergencyCare,
		NeedsPhysicalAppointment: res.NeedsPhysicalAppointment,
		CreatedAt:                res.CreatedAt,
	}
}

type QueueSizeResponse struct {
	MaxSize int `json:"max_size"`
	Active  int `json:"active"`
}

type SetQueueSizeRequest struct {
	MaxSize int `json:"max_size"`
}

type ClearFailureResponse struct {
	Placement int64  `json:"placement"`
	Error     string `json:"error"`
}

type ClearQueueResponse struct {
	Denied []int64                `json:"denied"`
	Failed []ClearFailureResponse `json:"failed"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
