package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/consultation"
)

func TestHub_ConsultationChangedFansOut(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	doctor := &Client{ID: "d", Topic: "doctor:42", Send: make(chan []byte, 4)}
	patient := &Client{ID: "p", Topic: "patient:9", Send: make(chan []byte, 4)}
	other := &Client{ID: "o", Topic: "doctor:43", Send: make(chan []byte, 4)}
	hub.Register(doctor)
	hub.Register(patient)
	hub.Register(other)

	hub.ConsultationChanged(context.Background(), "CONSULTATION_ACCEPTED", consultation.Consultation{
		ID:        "7",
		DoctorID:  "42",
		PatientID: "9",
		Status:    consultation.StatusOngoing,
		MeetingID: "room-7",
	})

	for _, c := range []*Client{doctor, patient} {
		select {
		case msg := <-c.Send:
			var ev Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				t.Fatalf("client %s: unmarshal: %v", c.ID, err)
			}
			if ev.ConsultationID != "7" || ev.MeetingID != "room-7" || ev.Topic != c.Topic {
				t.Errorf("client %s: unexpected event %+v", c.ID, ev)
			}
		default:
			t.Fatalf("client %s did not receive the event", c.ID)
		}
	}

	select {
	case <-other.Send:
		t.Fatal("another doctor must not receive the event")
	default:
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "x", Topic: "doctor:1", Send: make(chan []byte, 1)}
	hub.Register(c)
	hub.Unregister(c)
	hub.Unregister(c)

	if _, ok := <-c.Send; ok {
		t.Fatal("expected Send to be closed")
	}
	if hub.ClientCount() != 0 || hub.TopicCount("doctor:1") != 0 {
		t.Errorf("expected empty hub, got %d clients", hub.ClientCount())
	}
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topic: "doctor:1", Send: make(chan []byte, 1)}
	hub.Register(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Broadcast(Event{Type: "x", Topic: "doctor:1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
}

func TestURLFor(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://localhost:8080/api/v1", "ws://localhost:8080/api/v1/ws"},
		{"https://api.example.com/api/v1/", "wss://api.example.com/api/v1/ws"},
	}
	for _, tt := range tests {
		got, err := URLFor(tt.in)
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, got)
		}
	}

	if _, err := URLFor("ftp://example.com"); !errors.Is(err, consultation.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func staticAuth(p consultation.Principal) Authenticator {
	return func(r *http.Request) (consultation.Principal, error) {
		if r.Header.Get("Authorization") != "Token good" {
			return consultation.Principal{}, errors.New("bad token")
		}
		return p, nil
	}
}

func TestHandler_RejectsUnauthenticated(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub.Handler(staticAuth(consultation.Principal{UserID: "42", Role: consultation.RoleDoctor})))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Authorization": {"Token bad"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %+v", resp)
	}
}

func TestSubscriber_ReceivesEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub.Handler(staticAuth(consultation.Principal{UserID: "42", Role: consultation.RoleDoctor})))
	defer srv.Close()

	wsURL, err := URLFor(srv.URL)
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	// the test server serves every path
	sub := NewSubscriber(wsURL, "Token", auth.StaticToken("good"), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 4)
	result := make(chan error, 1)
	go func() { result <- sub.Run(ctx, func(ev Event) { events <- ev }) }()

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("doctor:42") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.ConsultationChanged(ctx, "CONSULTATION_STARTED", consultation.Consultation{
		ID: "7", DoctorID: "42", PatientID: "9", Status: consultation.StatusPending,
	})

	select {
	case ev := <-events:
		if ev.Type != "CONSULTATION_STARTED" || ev.ConsultationID != "7" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestSubscriber_StopsOnAuthRejection(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub.Handler(staticAuth(consultation.Principal{UserID: "42", Role: consultation.RoleDoctor})))
	defer srv.Close()

	wsURL, _ := URLFor(srv.URL)
	sub := NewSubscriber(wsURL, "Token", auth.StaticToken("bad"), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sub.Run(ctx, func(Event) {})
	if !errors.Is(err, consultation.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestSubscriber_BackoffResetsAfterConnecting(t *testing.T) {
	var connects atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connects.Add(1)
		// drop every session right away
		ws.Close()
	}))
	defer srv.Close()

	wsURL, _ := URLFor(srv.URL)
	sub := NewSubscriber(wsURL, "Token", auth.StaticToken("good"), zerolog.Nop())
	sub.backoff = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	_ = sub.Run(ctx, func(Event) {})

	// doubling without a reset would allow about five sessions in 400ms
	if n := connects.Load(); n < 8 {
		t.Errorf("expected the backoff to restart after each connected session, got %d sessions", n)
	}
}
