package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const consultationColumns = `
	c.id, c.patient_id, p.name, COALESCE(p.email, ''), c.doctor_id,
	c.status, COALESCE(c.meeting_id, ''), c.created_at, c.updated_at`

const consultationFrom = `
	FROM consultations c
	JOIN patients p ON p.id = c.patient_id`

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var id int64

	err := row.Scan(&id, &d.Name, &d.Email, &d.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.ID = IDFromInt64(id)
	return &d, nil
}

func scanPatient(row pgx.Row) (*PatientAccount, error) {
	var p PatientAccount
	var id int64

	err := row.Scan(&id, &p.Name, &p.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.ID = IDFromInt64(id)
	return &p, nil
}

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	var id, patientID, doctorID int64

	err := row.Scan(
		&id,
		&patientID,
		&c.Patient.Name,
		&c.Patient.Email,
		&doctorID,
		&c.Status,
		&c.MeetingID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsultationNotFound
		}
		return nil, err
	}

	c.ID = IDFromInt64(id)
	c.PatientID = IDFromInt64(patientID)
	c.DoctorID = IDFromInt64(doctorID)
	return &c, nil
}

func collectConsultations(rows pgx.Rows) ([]Consultation, error) {
	defer rows.Close()

	result := []Consultation{}
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) ListAvailableDoctors(ctx context.Context) ([]Doctor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, COALESCE(email, ''), available
		FROM doctors
		WHERE available
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []Doctor{}
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id ID) (*Doctor, error) {
	n, err := id.Int64()
	if err != nil {
		return nil, ErrDoctorNotFound
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(email, ''), available
		FROM doctors
		WHERE id = $1
	`, n)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id ID) (*PatientAccount, error) {
	n, err := id.Int64()
	if err != nil {
		return nil, ErrPatientNotFound
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(email, '')
		FROM patients
		WHERE id = $1
	`, n)
	return scanPatient(row)
}

func (r *PgRepository) CreateDoctor(ctx context.Context, name, email string, available bool) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO doctors (name, email, available, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id, name, COALESCE(email, ''), available
	`, name, email, available)
	return scanDoctor(row)
}

func (r *PgRepository) CreatePatient(ctx context.Context, name, email string) (*PatientAccount, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (name, email, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		RETURNING id, name, COALESCE(email, '')
	`, name, email)
	return scanPatient(row)
}

func (r *PgRepository) GetConsultationByID(ctx context.Context, id ID) (*Consultation, error) {
	n, err := id.Int64()
	if err != nil {
		return nil, ErrConsultationNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+consultationColumns+consultationFrom+`
		WHERE c.id = $1
	`, n)
	return scanConsultation(row)
}

func (r *PgRepository) GetConsultationByMeetingID(ctx context.Context, meetingID string) (*Consultation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+consultationColumns+consultationFrom+`
		WHERE c.meeting_id = $1
	`, meetingID)
	return scanConsultation(row)
}

func (r *PgRepository) ListConsultationsForDoctor(ctx context.Context, doctorID ID) ([]Consultation, error) {
	n, err := doctorID.Int64()
	if err != nil {
		return nil, ErrDoctorNotFound
	}
	rows, err := r.pool.Query(ctx, `SELECT `+consultationColumns+consultationFrom+`
		WHERE c.doctor_id = $1
		ORDER BY c.created_at, c.id
	`, n)
	if err != nil {
		return nil, err
	}
	return collectConsultations(rows)
}

func (r *PgRepository) ListConsultationsForPatient(ctx context.Context, patientID ID) ([]Consultation, error) {
	n, err := patientID.Int64()
	if err != nil {
		return nil, ErrPatientNotFound
	}
	rows, err := r.pool.Query(ctx, `SELECT `+consultationColumns+consultationFrom+`
		WHERE c.patient_id = $1
		ORDER BY c.created_at, c.id
	`, n)
	if err != nil {
		return nil, err
	}
	return collectConsultations(rows)
}

func (r *PgRepository) CreatePendingConsultation(ctx context.Context, patientID, doctorID ID) (*Consultation, error) {
	pid, err := patientID.Int64()
	if err != nil {
		return nil, ErrPatientNotFound
	}
	did, err := doctorID.Int64()
	if err != nil {
		return nil, ErrDoctorNotFound
	}

	var id int64
	err = r.pool.QueryRow(ctx, `
		INSERT INTO consultations (patient_id, doctor_id, status, created_at, updated_at)
		VALUES ($1, $2, 'pending', now(), now())
		RETURNING id
	`, pid, did).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert consultation: %w", err)
	}

	return r.GetConsultationByID(ctx, IDFromInt64(id))
}

func (r *PgRepository) UpdateConsultationStatus(ctx context.Context, id ID, from, to Status, meetingID string) (*Consultation, error) {
	n, err := id.Int64()
	if err != nil {
		return nil, ErrConsultationNotFound
	}

	var updated int64
	err = r.pool.QueryRow(ctx, `
		UPDATE consultations
		SET status = $2,
		    meeting_id = COALESCE(NULLIF($4, ''), meeting_id),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING id
	`, n, to, from, meetingID).Scan(&updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConsultationNotFound
		}
		return nil, err
	}

	return r.GetConsultationByID(ctx, IDFromInt64(updated))
}

func (r *PgRepository) FindStalePending(ctx context.Context, createdBefore time.Time) ([]Consultation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+consultationColumns+consultationFrom+`
		WHERE c.status = 'pending'
		  AND c.created_at < $1
	`, createdBefore)
	if err != nil {
		return nil, err
	}
	return collectConsultations(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var consultationID *int64
	if ev.ConsultationID != nil {
		n, err := ev.ConsultationID.Int64()
		if err == nil {
			consultationID = &n
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, consultation_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, consultationID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
