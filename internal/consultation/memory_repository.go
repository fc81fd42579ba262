package consultation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a process-local Repository used by the development
// backend when no Postgres DSN is configured, and by tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	nextID        int64
	doctors       map[ID]*Doctor
	patients      map[ID]*PatientAccount
	consultations map[ID]*Consultation
	events        []EventLog
	now           func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:       make(map[ID]*Doctor),
		patients:      make(map[ID]*PatientAccount),
		consultations: make(map[ID]*Consultation),
		now:           time.Now,
	}
}

func (r *MemoryRepository) newID() ID {
	r.nextID++
	return IDFromInt64(r.nextID)
}

func (r *MemoryRepository) ListAvailableDoctors(_ context.Context) ([]Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []Doctor{}
	for _, d := range r.doctors {
		if d.Available {
			result = append(result, *d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return idLess(result[i].ID, result[j].ID) })
	return result, nil
}

func (r *MemoryRepository) GetDoctorByID(_ context.Context, id ID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id ID) (*PatientAccount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) CreateDoctor(_ context.Context, name, email string, available bool) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := &Doctor{ID: r.newID(), Name: name, Email: email, Available: available}
	r.doctors[d.ID] = d
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) CreatePatient(_ context.Context, name, email string) (*PatientAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &PatientAccount{ID: r.newID(), Name: name, Email: email}
	r.patients[p.ID] = p
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) GetConsultationByID(_ context.Context, id ID) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.consultations[id]
	if !ok {
		return nil, ErrConsultationNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) GetConsultationByMeetingID(_ context.Context, meetingID string) (*Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if meetingID == "" {
		return nil, ErrConsultationNotFound
	}
	for _, c := range r.consultations {
		if c.MeetingID == meetingID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrConsultationNotFound
}

func (r *MemoryRepository) ListConsultationsForDoctor(_ context.Context, doctorID ID) ([]Consultation, error) {
	return r.filter(func(c *Consultation) bool { return c.DoctorID == doctorID }), nil
}

func (r *MemoryRepository) ListConsultationsForPatient(_ context.Context, patientID ID) ([]Consultation, error) {
	return r.filter(func(c *Consultation) bool { return c.PatientID == patientID }), nil
}

func (r *MemoryRepository) filter(keep func(*Consultation) bool) []Consultation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []Consultation{}
	for _, c := range r.consultations {
		if keep(c) {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return idLess(result[i].ID, result[j].ID) })
	return result
}

func (r *MemoryRepository) CreatePendingConsultation(_ context.Context, patientID, doctorID ID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[patientID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	if _, ok := r.doctors[doctorID]; !ok {
		return nil, ErrDoctorNotFound
	}

	now := r.now()
	c := &Consultation{
		ID:        r.newID(),
		Patient:   Patient{Name: p.Name, Email: p.Email},
		PatientID: patientID,
		DoctorID:  doctorID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.consultations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) UpdateConsultationStatus(_ context.Context, id ID, from, to Status, meetingID string) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consultations[id]
	if !ok || c.Status != from {
		return nil, ErrConsultationNotFound
	}

	c.Status = to
	if meetingID != "" {
		c.MeetingID = meetingID
	}
	c.UpdatedAt = r.now()
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) FindStalePending(_ context.Context, createdBefore time.Time) ([]Consultation, error) {
	return r.filter(func(c *Consultation) bool {
		return c.Status == StatusPending && c.CreatedAt.Before(createdBefore)
	}), nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	ev.ID = r.nextID
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}

func idLess(a, b ID) bool {
	an, aerr := a.Int64()
	bn, berr := b.Int64()
	if aerr == nil && berr == nil {
		return an < bn
	}
	return a < b
}
