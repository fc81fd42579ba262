package consultation

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrConsultationNotFound = errors.New("consultation not found")
)

// Repository contains all storage interactions needed by the service.
type Repository interface {
	ListAvailableDoctors(ctx context.Context) ([]Doctor, error)
	GetDoctorByID(ctx context.Context, id ID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id ID) (*PatientAccount, error)

	// Seeding
	CreateDoctor(ctx context.Context, name, email string, available bool) (*Doctor, error)
	CreatePatient(ctx context.Context, name, email string) (*PatientAccount, error)

	GetConsultationByID(ctx context.Context, id ID) (*Consultation, error)
	GetConsultationByMeetingID(ctx context.Context, meetingID string) (*Consultation, error)
	ListConsultationsForDoctor(ctx context.Context, doctorID ID) ([]Consultation, error)
	ListConsultationsForPatient(ctx context.Context, patientID ID) ([]Consultation, error)

	// Creation and updates
	CreatePendingConsultation(ctx context.Context, patientID, doctorID ID) (*Consultation, error)
	// UpdateConsultationStatus moves id from one status to another and
	// returns ErrConsultationNotFound when the row is not in status from.
	// A non-empty meetingID is stored alongside the new status.
	UpdateConsultationStatus(ctx context.Context, id ID, from, to Status, meetingID string) (*Consultation, error)

	// Expiry worker
	FindStalePending(ctx context.Context, createdBefore time.Time) ([]Consultation, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
