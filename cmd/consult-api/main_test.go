package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/consultation"
)

func TestSeedMemory_LogsUsableTokens(t *testing.T) {
	ctx := context.Background()
	repo := consultation.NewMemoryRepository()
	issuer := auth.NewIssuer("test-secret", time.Hour)
	var buf bytes.Buffer

	if err := seedMemory(ctx, repo, issuer, zerolog.New(&buf)); err != nil {
		t.Fatalf("seedMemory: %v", err)
	}

	doctors, err := repo.ListAvailableDoctors(ctx)
	if err != nil || len(doctors) != 1 {
		t.Fatalf("expected one available doctor, got %v (err %v)", doctors, err)
	}

	var line struct {
		DoctorID     string `json:"doctor_id"`
		DoctorToken  string `json:"doctor_token"`
		PatientToken string `json:"patient_token"`
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}

	p, err := issuer.Verify(line.DoctorToken)
	if err != nil {
		t.Fatalf("doctor token: %v", err)
	}
	if p.Role != consultation.RoleDoctor || p.UserID.String() != line.DoctorID {
		t.Errorf("unexpected doctor principal %+v", p)
	}
	if p, err := issuer.Verify(line.PatientToken); err != nil || p.Role != consultation.RolePatient {
		t.Errorf("patient token: %+v %v", p, err)
	}
}
