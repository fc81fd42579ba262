package videoroom

import (
	"errors"
	"strings"
	"testing"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

func TestRoom_URL(t *testing.T) {
	r := NewRoom("")
	got, err := r.URL(Handoff{MeetingID: "room-7", Role: consultation.RolePatient}, "Alice", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(got, "https://meet.jit.si/room-7#") {
		t.Errorf("unexpected base in %q", got)
	}
	if !strings.Contains(got, "userInfo.displayName=%22Alice%22") {
		t.Errorf("expected display name in fragment, got %q", got)
	}
	if !strings.Contains(got, "config.disableModeratorIndicator=true") {
		t.Errorf("expected moderator indicator disabled for patient, got %q", got)
	}
}

func TestRoom_URLDoctorWithJWT(t *testing.T) {
	r := NewRoom("video.example.com")
	got, err := r.URL(Handoff{MeetingID: "room-7", Role: consultation.RoleDoctor}, "", "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.HasPrefix(got, "https://video.example.com/room-7?jwt=abc#") {
		t.Errorf("unexpected base in %q", got)
	}
	if !strings.Contains(got, "userInfo.displayName=%22guest%22") {
		t.Errorf("expected guest fallback, got %q", got)
	}
	if !strings.Contains(got, "config.disableModeratorIndicator=false") {
		t.Errorf("expected moderator indicator for doctor, got %q", got)
	}
}

func TestRoom_URLValidation(t *testing.T) {
	r := NewRoom("")
	if _, err := r.URL(Handoff{Role: consultation.RolePatient}, "x", ""); !errors.Is(err, consultation.ErrValidation) {
		t.Errorf("expected ErrValidation without meeting id, got %v", err)
	}
	if _, err := r.URL(Handoff{MeetingID: "m", Role: "nurse"}, "x", ""); !errors.Is(err, consultation.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown role, got %v", err)
	}
}
