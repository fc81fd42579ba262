package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/consultation-signaling/internal/redis"
)

const (
	EventConsultationStarted   = "CONSULTATION_STARTED"
	EventConsultationAccepted  = "CONSULTATION_ACCEPTED"
	EventConsultationRejected  = "CONSULTATION_REJECTED"
	EventPatientNotified       = "PATIENT_NOTIFIED"
	EventConsultationCompleted = "CONSULTATION_COMPLETED"
	EventConsultationExpired   = "CONSULTATION_EXPIRED"
)

var (
	ErrDoctorUnavailable       = errors.New("doctor is not available")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrNotParticipant          = errors.New("caller is not a participant of this consultation")
	ErrWrongRole               = errors.New("operation not permitted for this role")
	ErrConsultationBusy        = errors.New("consultation is being updated, please retry")
)

// Notifier is told about every committed status change. The push hub
// implements it; a nil Notifier is allowed.
type Notifier interface {
	ConsultationChanged(ctx context.Context, eventType string, c Consultation)
}

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	notifier   Notifier
	pendingTTL time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

type ServiceOption func(*Service)

func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, pendingTTL time.Duration, logger zerolog.Logger, opts ...ServiceOption) *Service {
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}
	s := &Service{
		repo:       repo,
		locker:     locker,
		pendingTTL: pendingTTL,
		log:        logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ListAvailableDoctors(ctx context.Context) ([]Doctor, error) {
	doctors, err := s.repo.ListAvailableDoctors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	return doctors, nil
}

// StartConsultation creates a pending consultation from a patient to a doctor.
// No meeting id exists until the doctor accepts.
func (s *Service) StartConsultation(ctx context.Context, caller Principal, doctorID ID) (*Consultation, error) {
	if caller.Role != RolePatient {
		return nil, ErrWrongRole
	}
	if doctorID.Empty() {
		return nil, Validationf("doctor_id is required")
	}

	if _, err := s.repo.GetPatientByID(ctx, caller.UserID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Available {
		return nil, ErrDoctorUnavailable
	}

	c, err := s.repo.CreatePendingConsultation(ctx, caller.UserID, doctorID)
	if err != nil {
		return nil, fmt.Errorf("create pending consultation: %w", err)
	}

	s.record(ctx, EventConsultationStarted, *c, map[string]any{
		"doctor_id":  doctorID,
		"patient_id": caller.UserID,
	})

	return c, nil
}

// ListConsultations returns the consultations visible to the caller's role.
func (s *Service) ListConsultations(ctx context.Context, caller Principal) ([]Consultation, error) {
	var (
		list []Consultation
		err  error
	)
	switch caller.Role {
	case RoleDoctor:
		list, err = s.repo.ListConsultationsForDoctor(ctx, caller.UserID)
	case RolePatient:
		list, err = s.repo.ListConsultationsForPatient(ctx, caller.UserID)
	default:
		return nil, ErrWrongRole
	}
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	return list, nil
}

// GetStatus looks a consultation up by meeting id, falling back to the
// consultation id while no meeting has been minted.
func (s *Service) GetStatus(ctx context.Context, caller Principal, meetingID string, id ID) (*Consultation, error) {
	var (
		c   *Consultation
		err error
	)
	switch {
	case meetingID != "":
		c, err = s.repo.GetConsultationByMeetingID(ctx, meetingID)
	case !id.Empty():
		c, err = s.repo.GetConsultationByID(ctx, id)
	default:
		return nil, Validationf("meeting_id or consultation_id is required")
	}
	if err != nil {
		return nil, err
	}
	if !participant(caller, c) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// Accept moves a pending consultation to ongoing and mints its meeting id.
func (s *Service) Accept(ctx context.Context, caller Principal, id ID) (*Consultation, error) {
	return s.transition(ctx, caller, id, StatusPending, StatusOngoing, EventConsultationAccepted)
}

func (s *Service) Reject(ctx context.Context, caller Principal, id ID) (*Consultation, error) {
	return s.transition(ctx, caller, id, StatusPending, StatusCancelled, EventConsultationRejected)
}

// NotifyPatient re-announces an ongoing consultation to its patient and
// returns it so the doctor can join the same room.
func (s *Service) NotifyPatient(ctx context.Context, caller Principal, id ID) (*Consultation, error) {
	if caller.Role != RoleDoctor {
		return nil, ErrWrongRole
	}
	c, err := s.repo.GetConsultationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !participant(caller, c) {
		return nil, ErrNotParticipant
	}
	if c.Status != StatusOngoing {
		return nil, ErrInvalidStatusTransition
	}

	s.record(ctx, EventPatientNotified, *c, map[string]any{"meeting_id": c.MeetingID})
	return c, nil
}

// Complete ends an ongoing call. Either participant may end it.
func (s *Service) Complete(ctx context.Context, caller Principal, id ID) (*Consultation, error) {
	return s.transition(ctx, caller, id, StatusOngoing, StatusCompleted, EventConsultationCompleted)
}

func (s *Service) transition(ctx context.Context, caller Principal, id ID, from, to Status, eventType string) (*Consultation, error) {
	if to != StatusCompleted && caller.Role != RoleDoctor {
		return nil, ErrWrongRole
	}

	var updated *Consultation

	err := s.locker.WithLock(ctx, "consultation:"+id.String(), func(lockCtx context.Context) error {
		c, err := s.repo.GetConsultationByID(lockCtx, id)
		if err != nil {
			return err
		}
		if !participant(caller, c) {
			return ErrNotParticipant
		}
		if c.Status != from || !from.CanTransitionTo(to) {
			return ErrInvalidStatusTransition
		}

		meetingID := ""
		if to == StatusOngoing {
			meetingID = newMeetingID(id)
		}

		u, err := s.repo.UpdateConsultationStatus(lockCtx, id, from, to, meetingID)
		if err != nil {
			if errors.Is(err, ErrConsultationNotFound) {
				// status changed under us
				return ErrInvalidStatusTransition
			}
			return fmt.Errorf("update consultation status: %w", err)
		}
		updated = u
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrConsultationBusy
		}
		return nil, err
	}

	s.record(ctx, eventType, *updated, map[string]any{
		"from":       from,
		"to":         to,
		"actor_role": caller.Role,
	})

	return updated, nil
}

// ExpireStalePending cancels consultations that stayed pending longer than
// the configured TTL. It is called periodically by the expiry worker.
func (s *Service) ExpireStalePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingTTL)
	stale, err := s.repo.FindStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale pending consultations: %w", err)
	}

	expired := 0
	for _, c := range stale {
		var updated *Consultation
		err := s.locker.WithLock(ctx, "consultation:"+c.ID.String(), func(lockCtx context.Context) error {
			u, err := s.repo.UpdateConsultationStatus(lockCtx, c.ID, StatusPending, StatusCancelled, "")
			updated = u
			return err
		})
		if err != nil {
			// accepted meanwhile, or a doctor holds the lock right now
			if !errors.Is(err, ErrConsultationNotFound) && !errors.Is(err, redisclient.ErrLockNotAcquired) {
				s.log.Error().Err(err).Str("consultation_id", c.ID.String()).Msg("failed to expire consultation")
			}
			continue
		}
		expired++
		s.record(ctx, EventConsultationExpired, *updated, map[string]any{"reason": "worker"})
	}

	return expired, nil
}

func (s *Service) record(ctx context.Context, eventType string, c Consultation, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	id := c.ID
	ev := EventLog{
		EventType:      eventType,
		ConsultationID: &id,
		Payload:        data,
		CreatedAt:      s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Str("consultation_id", id.String()).Msg("failed to insert event log")
	}

	s.log.Info().
		Str("event", eventType).
		Str("consultation_id", id.String()).
		Str("status", string(c.Status)).
		Msg("consultation event")

	if s.notifier != nil {
		s.notifier.ConsultationChanged(ctx, eventType, c)
	}
}

func participant(caller Principal, c *Consultation) bool {
	switch caller.Role {
	case RoleDoctor:
		return c.DoctorID == caller.UserID
	case RolePatient:
		return c.PatientID == caller.UserID
	}
	return false
}

func newMeetingID(id ID) string {
	return fmt.Sprintf("consult-%s-%s", id, uuid.NewString()[:8])
}
