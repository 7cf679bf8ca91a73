package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/diabetactic/appointment-queue/internal/queue"
	redisclient "github.com/diabetactic/appointment-queue/internal/redis"
)

func submitHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		entry, err := svc.Submit(r.Context(), patientID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, entryResponse(entry))
	}
}

func stateHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parsePatientID(w, r)
		if !ok {
			return
		}

		state, err := svc.State(r.Context(), patientID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, StateResponse{State: string(state)})
	}
}

func placementHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, ok := parsePatientID(w, r)
		if !ok {
			return
		}

		pos, active, err := svc.Position(r.Context(), patientID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := PositionResponse{}
		if active {
			resp.Position = &pos
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func acceptHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		placement, ok := parsePlacement(w, r)
		if !ok {
			return
		}

		entry, err := svc.Accept(r.Context(), placement)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entryResponse(entry))
	}
}

func denyHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		placement, ok := parsePlacement(w, r)
		if !ok {
			return
		}

		entry, err := svc.Deny(r.Context(), placement)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entryResponse(entry))
	}
}

func createAppointmentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		placement, ok := parsePlacement(w, r)
		if !ok {
			return
		}

		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), placement, req.details())
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, appointmentResponse(appt))
	}
}

func resolveHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseAppointmentID(w, r)
		if !ok {
			return
		}

		var req CreateResolutionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		res, err := svc.Resolve(r.Context(), appointmentID, req.details())
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, resolutionResponse(res))
	}
}

func getAppointmentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseAppointmentID(w, r)
		if !ok {
			return
		}

		view, err := svc.Appointment(r.Context(), appointmentID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := appointmentResponse(&view.Appointment)
		if view.Entry != nil {
			resp.State = string(view.Entry.State)
		}
		if view.Resolution != nil {
			res := resolutionResponse(view.Resolution)
			resp.Resolution = &res
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func listAppointmentsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.Appointments(r.Context(), patientID, limit, offset)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, appointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getResolutionHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, ok := parseAppointmentID(w, r)
		if !ok {
			return
		}

		res, err := svc.Resolution(r.Context(), appointmentID)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, resolutionResponse(res))
	}
}

func listByStateHandler(svc *queue.Service, state queue.State) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			entries []queue.QueueEntry
			err     error
		)
		switch state {
		case queue.StatePending:
			entries, err = svc.PendingEntries(r.Context())
		case queue.StateAccepted:
			entries, err = svc.AcceptedEntries(r.Context())
		}
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := make([]EntryResponse, 0, len(entries))
		for i := range entries {
			resp = append(resp, entryResponse(&entries[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getQueueSizeHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		maxSize, err := svc.Capacity(r.Context())
		if err != nil {
			handleQueueError(w, err)
			return
		}
		active, err := svc.ActiveCount(r.Context())
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, QueueSizeResponse{MaxSize: maxSize, Active: active})
	}
}

func setQueueSizeHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SetQueueSizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if err := svc.SetCapacity(r.Context(), req.MaxSize); err != nil {
			handleQueueError(w, err)
			return
		}

		active, err := svc.ActiveCount(r.Context())
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, QueueSizeResponse{MaxSize: req.MaxSize, Active: active})
	}
}

func clearQueueHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.ClearQueue(r.Context())
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := ClearQueueResponse{Denied: result.Denied}
		if resp.Denied == nil {
			resp.Denied = []int64{}
		}
		resp.Failed = make([]ClearFailureResponse, 0, len(result.Failed))
		for _, f := range result.Failed {
			resp.Failed = append(resp.Failed, ClearFailureResponse{
				Placement: f.Placement,
				Error:     f.Err.Error(),
			})
		}

		status := http.StatusOK
		if len(resp.Failed) > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, resp)
	}
}

// URL param helpers

func parsePatientID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "patientID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patientID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseAppointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parsePlacement(w http.ResponseWriter, r *http.Request) (int64, bool) {
	placement, err := strconv.ParseInt(chi.URLParam(r, "placement"), 10, 64)
	if err != nil || placement <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_placement", "placement must be a positive integer")
		return 0, false
	}
	return placement, true
}

// handleQueueError maps service errors to HTTP responses. QueueFull and
// DuplicateActiveEntry get distinct codes so the client can tell "come back
// later" from "you are already in line".
func handleQueueError(w http.ResponseWriter, err error) {
	var vErr *queue.ValidationError

	switch {
	case errors.Is(err, queue.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
	case errors.Is(err, queue.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, queue.ErrResolutionNotFound):
		writeError(w, http.StatusNotFound, "resolution_not_found", err.Error())
	case errors.Is(err, queue.ErrDuplicateActiveEntry):
		writeError(w, http.StatusConflict, "duplicate_active_entry", err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusConflict, "queue_full", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrQueueBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "queue_busy", "the queue is being updated, please retry shortly")
	case errors.As(err, &vErr):
		writeError(w, http.StatusUnprocessableEntity, "validation_error", vErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
