package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/doctor"
)

type stubInboxAPI struct {
	mu        sync.Mutex
	acceptErr error
}

func (a *stubInboxAPI) FetchConsultations(context.Context) ([]consultation.Consultation, error) {
	return []consultation.Consultation{
		{ID: "3", Status: consultation.StatusPending, Patient: consultation.Patient{Name: "Ann"}},
	}, nil
}

func (a *stubInboxAPI) Accept(context.Context, consultation.ID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return "room-3", a.acceptErr
}

func (a *stubInboxAPI) Reject(context.Context, consultation.ID) error { return nil }

func (a *stubInboxAPI) NotifyPatient(context.Context, consultation.ID) (string, error) {
	return "room-3", nil
}

func startedInbox(t *testing.T, api doctor.API) *doctor.Inbox {
	t.Helper()
	in := doctor.New(api, doctor.Options{PollInterval: time.Hour}, doctor.Hooks{}, zerolog.Nop())
	if err := in.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(in.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for in.Polls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("inbox never polled")
		}
		time.Sleep(time.Millisecond)
	}
	return in
}

func TestHandleInboxCommand_AcceptReportsMeeting(t *testing.T) {
	in := startedInbox(t, &stubInboxAPI{})
	var out bytes.Buffer

	if quit := handleInboxCommand(context.Background(), &out, in, "a"); quit {
		t.Fatal("accept must not quit")
	}
	if !strings.Contains(out.String(), "consultation 3 accepted, meeting room-3") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestHandleInboxCommand_AcceptFailurePrintsNothing(t *testing.T) {
	in := startedInbox(t, &stubInboxAPI{acceptErr: errors.New("backend down")})
	var out bytes.Buffer

	handleInboxCommand(context.Background(), &out, in, "a 3")
	if strings.Contains(out.String(), "accepted") {
		t.Errorf("failed accept reported success: %q", out.String())
	}
}

func TestHandleInboxCommand_Quit(t *testing.T) {
	in := startedInbox(t, &stubInboxAPI{})
	if !handleInboxCommand(context.Background(), &bytes.Buffer{}, in, "q") {
		t.Error("expected q to quit")
	}
}
