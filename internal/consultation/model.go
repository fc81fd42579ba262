package consultation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions is the forward-only lifecycle graph.
var transitions = map[Status][]Status{
	StatusPending: {StatusOngoing, StatusCancelled},
	StatusOngoing: {StatusCompleted},
}

func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusOngoing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// HasMeeting reports whether a consultation in this status carries a meeting id.
func (s Status) HasMeeting() bool {
	return s == StatusOngoing || s == StatusCompleted
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePatient
}

// ID is an opaque backend identifier. The backend sends numeric ids, other
// deployments send strings; both decode into the same value.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) Empty() bool { return id == "" }

func (id ID) Int64() (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("id %q is not numeric", string(id))
	}
	return n, nil
}

func IDFromInt64(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type Patient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Consultation struct {
	ID        ID        `json:"id"`
	Patient   Patient   `json:"patient"`
	PatientID ID        `json:"patient_id,omitempty"`
	DoctorID  ID        `json:"doctor_id"`
	Status    Status    `json:"status"`
	MeetingID string    `json:"meeting_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c Consultation) PatientName() string { return c.Patient.Name }
func (c Consultation) PatientEmail() string { return c.Patient.Email }

type Doctor struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Available bool   `json:"-"`
}

// PatientAccount is the backend's record of a patient.
type PatientAccount struct {
	ID    ID
	Name  string
	Email string
}

// Principal is the authenticated caller of a backend operation.
type Principal struct {
	UserID ID
	Role   Role
}

type EventLog struct {
	ID             int64
	EventType      string
	ConsultationID *ID
	Payload        []byte
	CreatedAt      time.Time
}
