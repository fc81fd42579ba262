package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

func TestIssuer_RoundTrip(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)
	p := consultation.Principal{UserID: "42", Role: consultation.RoleDoctor}

	tok, err := iss.Issue(p, "Dr. House")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != p {
		t.Errorf("expected %+v, got %+v", p, got)
	}
}

func TestIssuer_RejectsWrongSecret(t *testing.T) {
	tok, err := NewIssuer("one", time.Hour).Issue(consultation.Principal{UserID: "1", Role: consultation.RolePatient}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := NewIssuer("two", time.Hour).Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestIssuer_Expired(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err := iss.Issue(consultation.Principal{UserID: "1", Role: consultation.RolePatient}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	iss.now = time.Now
	if _, err := iss.Verify(tok); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestExpiryChecked(t *testing.T) {
	iss := NewIssuer("secret", time.Minute)
	tok, err := iss.Issue(consultation.Principal{UserID: "1", Role: consultation.RolePatient}, "")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	fresh := ExpiryChecked{Inner: StaticToken(tok)}
	if got, err := fresh.Token(context.Background()); err != nil || got != tok {
		t.Errorf("expected fresh token to pass, got %q, %v", got, err)
	}

	stale := ExpiryChecked{Inner: StaticToken(tok), Now: func() time.Time { return time.Now().Add(time.Hour) }}
	if _, err := stale.Token(context.Background()); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	opaque := ExpiryChecked{Inner: StaticToken("9944b09199c62bcf9418ad846dd0e4bbdfc6ee4b")}
	if _, err := opaque.Token(context.Background()); err != nil {
		t.Errorf("expected opaque token to pass, got %v", err)
	}
}

func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")

	if _, err := (FileToken{Path: path}).Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken for missing file, got %v", err)
	}

	if err := os.WriteFile(path, []byte("abc123\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := (FileToken{Path: path}).Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "abc123" {
		t.Errorf("expected trimmed token, got %q", got)
	}
}

func TestProviderFor_EmptyIsNoToken(t *testing.T) {
	if _, err := ProviderFor("", "").Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}
