package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
)

// Notifier is the collaborator told about resolutions that require a
// physical follow-up. Delivery and failure handling are owned by the
// implementation; the service fires and forgets.
type Notifier interface {
	Dispatch(ctx context.Context, patientID uuid.UUID, res *Resolution) error
}

// LogNotifier writes notifications to the process log. Used in dev and as a
// fallback when no stream publisher is wired.
type LogNotifier struct{}

func (LogNotifier) Dispatch(_ context.Context, patientID uuid.UUID, res *Resolution) error {
	log.Printf("notify patient=%s appointment=%s physical_appointment=%t emergency=%t",
		patientID, res.AppointmentID, res.NeedsPhysicalAppointment, res.EmergencyCare)
	return nil
}

// Publisher is the transport a StreamNotifier publishes through. The Redis
// stream client in internal/redis satisfies it.
type Publisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// StreamNotifier serializes the notification and hands it to a Publisher;
// a worker on the other end of the stream owns delivery.
type StreamNotifier struct {
	pub Publisher
}

func NewStreamNotifier(pub Publisher) *StreamNotifier {
	return &StreamNotifier{pub: pub}
}

type notificationMessage struct {
	PatientID                uuid.UUID `json:"patient_id"`
	AppointmentID            uuid.UUID `json:"appointment_id"`
	EmergencyCare            bool      `json:"emergency_care"`
	NeedsPhysicalAppointment bool      `json:"needs_physical_appointment"`
	Instructions             string    `json:"instructions,omitempty"`
}

func (n *StreamNotifier) Dispatch(ctx context.Context, patientID uuid.UUID, res *Resolution) error {
	msg := notificationMessage{
		PatientID:                patientID,
		AppointmentID:            res.AppointmentID,
		EmergencyCare:            res.EmergencyCare,
		NeedsPhysicalAppointment: res.NeedsPhysicalAppointment,
		Instructions:             res.Instructions,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := n.pub.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	return nil
}
