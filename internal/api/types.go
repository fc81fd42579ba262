package api

import (
	"encoding/json"
	"net/http"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

type StartConsultationRequest struct {
	DoctorID consultation.ID `json:"doctor_id"`
}

type DoctorsResponse struct {
	Doctors []consultation.Doctor `json:"doctors"`
}

type StartConsultationResponse struct {
	ConsultationID consultation.ID      `json:"consultation_id"`
	MeetingID      string               `json:"meeting_id,omitempty"`
	Status         consultation.Status  `json:"status"`
	Doctor         *consultation.Doctor `json:"doctor,omitempty"`
}

type StatusResponse struct {
	ConsultationID consultation.ID     `json:"consultation_id"`
	Status         consultation.Status `json:"status"`
	MeetingID      string              `json:"meeting_id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
