package queue

import "fmt"

// ValidationError names the first offending field of a malformed payload so
// the API layer can surface it to the client.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidField(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

var validInsulinTypes = map[InsulinType]bool{
	InsulinRapid: true,
	InsulinBasal: true,
	InsulinMixed: true,
}

var validMotives = map[MotiveCode]bool{
	MotiveDoseAdjustment: true,
	MotiveHypoglycemia:   true,
	MotiveHyperglycemia:  true,
	MotiveDietReview:     true,
	MotiveDeviceIssue:    true,
	MotiveGeneralReview:  true,
}

// ValidateAppointmentDetails checks the patient-supplied payload before an
// accepted entry is turned into an appointment.
func ValidateAppointmentDetails(d AppointmentDetails) error {
	if d.ScheduledFor.IsZero() {
		return invalidField("scheduled_for", "must be set")
	}
	if d.GlucoseObjective <= 0 {
		return invalidField("glucose_objective", "must be > 0")
	}
	if !validInsulinTypes[d.InsulinType] {
		return invalidField("insulin_type", fmt.Sprintf("unknown insulin type %q", d.InsulinType))
	}
	if d.BasalDose < 0 {
		return invalidField("basal_dose", "must be >= 0")
	}
	if d.CarbRatio < 0 {
		return invalidField("carb_ratio", "must be >= 0")
	}
	if len(d.Motives) == 0 {
		return invalidField("motives", "at least one motive code is required")
	}
	for _, m := range d.Motives {
		if !validMotives[m] {
			return invalidField("motives", fmt.Sprintf("unknown motive code %q", m))
		}
	}
	return nil
}

// ValidateResolutionDetails checks the doctor-supplied outcome payload.
// Deltas may be negative (a dose can be adjusted down); the resulting dose
// is the patient's concern, not ours, so no lower bound applies to them.
func ValidateResolutionDetails(d ResolutionDetails) error {
	if d.Instructions == "" && !d.EmergencyCare && !d.NeedsPhysicalAppointment {
		return invalidField("instructions", "must be set unless the resolution flags follow-up care")
	}
	return nil
}
