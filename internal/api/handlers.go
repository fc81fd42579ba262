package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hackgods/consultation-signaling/internal/consultation"
	redisclient "github.com/hackgods/consultation-signaling/internal/redis"
)

func listDoctorsHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctors, err := svc.ListAvailableDoctors(r.Context())
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, DoctorsResponse{Doctors: doctors})
	}
}

func startConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := PrincipalFrom(r.Context())

		var req StartConsultationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		c, err := svc.StartConsultation(r.Context(), caller, req.DoctorID)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, StartConsultationResponse{
			ConsultationID: c.ID,
			MeetingID:      c.MeetingID,
			Status:         c.Status,
		})
	}
}

func listConsultationsHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := PrincipalFrom(r.Context())

		list, err := svc.ListConsultations(r.Context(), caller)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func consultationStatusHandler(svc *consultation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := PrincipalFrom(r.Context())
		q := r.URL.Query()

		c, err := svc.GetStatus(r.Context(), caller, q.Get("meeting_id"), consultation.ID(q.Get("consultation_id")))
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(c))
	}
}

type transitionFunc func(r *http.Request, caller consultation.Principal, id consultation.ID) (*consultation.Consultation, error)

// transitionHandler serves the POST /consultations/{id}/<action>/ routes.
func transitionHandler(do transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := PrincipalFrom(r.Context())

		id := consultation.ID(chi.URLParam(r, "id"))
		if _, err := id.Int64(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_consultation_id", "id must be numeric")
			return
		}

		c, err := do(r, caller, id)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(c))
	}
}

func acceptConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, caller consultation.Principal, id consultation.ID) (*consultation.Consultation, error) {
		return svc.Accept(r.Context(), caller, id)
	})
}

func rejectConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, caller consultation.Principal, id consultation.ID) (*consultation.Consultation, error) {
		return svc.Reject(r.Context(), caller, id)
	})
}

func notifyPatientHandler(svc *consultation.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, caller consultation.Principal, id consultation.ID) (*consultation.Consultation, error) {
		return svc.NotifyPatient(r.Context(), caller, id)
	})
}

func completeConsultationHandler(svc *consultation.Service) http.HandlerFunc {
	return transitionHandler(func(r *http.Request, caller consultation.Principal, id consultation.ID) (*consultation.Consultation, error) {
		return svc.Complete(r.Context(), caller, id)
	})
}

func statusResponse(c *consultation.Consultation) StatusResponse {
	return StatusResponse{
		ConsultationID: c.ID,
		Status:         c.Status,
		MeetingID:      c.MeetingID,
	}
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consultation.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, consultation.ErrWrongRole):
		writeError(w, http.StatusForbidden, "wrong_role", err.Error())
	case errors.Is(err, consultation.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not_participant", err.Error())
	case errors.Is(err, consultation.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, consultation.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, consultation.ErrConsultationNotFound):
		writeError(w, http.StatusNotFound, "consultation_not_found", err.Error())
	case errors.Is(err, consultation.ErrDoctorUnavailable):
		writeError(w, http.StatusConflict, "doctor_unavailable", err.Error())
	case errors.Is(err, consultation.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, consultation.ErrConsultationBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "consultation_busy", "consultation is being updated, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
