package doctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/videoroom"
)

type fakeAPI struct {
	mu         sync.Mutex
	list       []consultation.Consultation
	listErr    error
	acceptErr  error
	rejectErr  error
	meetingID  string
	accepted   []consultation.ID
	rejected   []consultation.ID
	notified   []consultation.ID
	fetchCalls int
}

func (a *fakeAPI) FetchConsultations(ctx context.Context) ([]consultation.Consultation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	return append([]consultation.Consultation(nil), a.list...), a.listErr
}

func (a *fakeAPI) Accept(ctx context.Context, id consultation.ID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acceptErr != nil {
		return "", a.acceptErr
	}
	a.accepted = append(a.accepted, id)
	return a.meetingID, nil
}

func (a *fakeAPI) Reject(ctx context.Context, id consultation.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejectErr != nil {
		return a.rejectErr
	}
	a.rejected = append(a.rejected, id)
	return nil
}

func (a *fakeAPI) NotifyPatient(ctx context.Context, id consultation.ID) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notified = append(a.notified, id)
	return a.meetingID, nil
}

func (a *fakeAPI) setList(list ...consultation.Consultation) {
	a.mu.Lock()
	a.list = list
	a.mu.Unlock()
}

// fakeAlerter fails the test on an unpaired Start or Stop.
type fakeAlerter struct {
	mu      sync.Mutex
	playing bool
	starts  int
	stops   int
}

func (f *fakeAlerter) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.playing {
		f.playing = true
		f.starts++
	}
}

func (f *fakeAlerter) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.playing = false
		f.stops++
	}
}

func (f *fakeAlerter) counts() (starts, stops int, playing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.playing
}

func pending(id consultation.ID, name string) consultation.Consultation {
	return consultation.Consultation{
		ID:      id,
		Status:  consultation.StatusPending,
		Patient: consultation.Patient{Name: name, Email: name + "@example.com"},
	}
}

type harness struct {
	api     *fakeAPI
	alerter *fakeAlerter
	inbox   *Inbox

	mu       sync.Mutex
	popups   []consultation.ID
	closed   []consultation.ID
	errs     []error
	handoffs []videoroom.Handoff
	authErrs int
}

func newHarness(t *testing.T, list ...consultation.Consultation) *harness {
	t.Helper()
	h := &harness{api: &fakeAPI{list: list, meetingID: "room-7"}, alerter: &fakeAlerter{}}
	h.inbox = New(h.api, Options{PollInterval: time.Hour, Alerter: h.alerter}, Hooks{
		OnPopup: func(c consultation.Consultation) {
			h.mu.Lock()
			h.popups = append(h.popups, c.ID)
			h.mu.Unlock()
		},
		OnPopupClosed: func(id consultation.ID) {
			h.mu.Lock()
			h.closed = append(h.closed, id)
			h.mu.Unlock()
		},
		OnHandoff: func(ho videoroom.Handoff) {
			h.mu.Lock()
			h.handoffs = append(h.handoffs, ho)
			h.mu.Unlock()
		},
		OnError: func(err error) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
		},
		OnAuthExpired: func(error) {
			h.mu.Lock()
			h.authErrs++
			h.mu.Unlock()
		},
	}, zerolog.Nop())

	if err := h.inbox.Start(); err != nil {
		t.Fatalf("start inbox: %v", err)
	}
	t.Cleanup(h.inbox.Stop)
	h.waitPolls(t, 1)
	return h
}

func (h *harness) waitPolls(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.inbox.Polls() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d polls, got %d", n, h.inbox.Polls())
		}
		time.Sleep(time.Millisecond)
	}
}

// tick forces one more poll and waits for it to be applied.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	n := h.inbox.Polls()
	h.inbox.Nudge()
	h.waitPolls(t, n+1)
}

func (h *harness) popupIDs() []consultation.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]consultation.ID(nil), h.popups...)
}

func TestInbox_OnePopupPerTick(t *testing.T) {
	h := newHarness(t, pending("1", "alice"), pending("2", "bob"), pending("3", "carol"))

	popups := h.popupIDs()
	if len(popups) != 1 || popups[0] != "1" {
		t.Fatalf("expected a single popup for 1, got %v", popups)
	}
	if got := len(h.inbox.Working()); got != 3 {
		t.Errorf("expected all three in the working set, got %d", got)
	}
	for _, id := range []consultation.ID{"2", "3"} {
		if !h.inbox.ledger.IsSeen(id) {
			t.Errorf("expected %s to be marked seen", id)
		}
	}

	h.inbox.Close()
	h.tick(t)
	if popups := h.popupIDs(); len(popups) != 1 {
		t.Errorf("seen arrivals must not pop up later, got %v", popups)
	}
}

func TestInbox_CloseNeverResurfaces(t *testing.T) {
	h := newHarness(t, pending("9", "alice"))

	if !h.inbox.Close() {
		t.Fatal("expected a popup to close")
	}
	if h.inbox.Close() {
		t.Error("second close should be a no-op")
	}

	for i := 0; i < 20; i++ {
		h.tick(t)
	}

	if popups := h.popupIDs(); len(popups) != 1 {
		t.Errorf("expected no re-popup after close, got %v", popups)
	}
	if got := h.inbox.Working(); len(got) != 1 || got[0].ID != "9" {
		t.Errorf("expected closed consultation to stay listed, got %+v", got)
	}
	starts, stops, playing := h.alerter.counts()
	if starts != 1 || stops != 1 || playing {
		t.Errorf("expected one alert start/stop pair, got %d/%d playing=%v", starts, stops, playing)
	}
}

func TestInbox_AcceptHandsOffAndNotifies(t *testing.T) {
	h := newHarness(t, pending("7", "alice"))

	ho, err := h.inbox.Accept(context.Background(), "7")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	want := videoroom.Handoff{MeetingID: "room-7", Role: consultation.RoleDoctor}
	if ho != want {
		t.Errorf("expected %+v, got %+v", want, ho)
	}

	h.api.mu.Lock()
	notified := append([]consultation.ID(nil), h.api.notified...)
	h.api.mu.Unlock()
	if len(notified) != 1 || notified[0] != "7" {
		t.Errorf("expected patient of 7 to be notified, got %v", notified)
	}

	if _, ok := h.inbox.Popup(); ok {
		t.Error("expected popup to close on accept")
	}
	if _, _, playing := h.alerter.counts(); playing {
		t.Error("expected alert to stop on accept")
	}

	// backend still lists it as pending for a while
	h.tick(t)
	if got := h.inbox.Working(); len(got) != 0 {
		t.Errorf("accepted consultation came back into the working set: %+v", got)
	}
	if popups := h.popupIDs(); len(popups) != 1 {
		t.Errorf("expected no new popup, got %v", popups)
	}
	if _, err := h.inbox.Accept(context.Background(), "7"); !errors.Is(err, ErrNotInWorkingSet) {
		t.Errorf("expected second accept to be refused, got %v", err)
	}
}

func TestInbox_AcceptFailureKeepsConsultation(t *testing.T) {
	h := newHarness(t, pending("7", "alice"))
	h.api.acceptErr = &consultation.BackendError{StatusCode: 500, Code: "internal_error"}

	_, err := h.inbox.Accept(context.Background(), "7")
	if !errors.Is(err, consultation.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}

	if got := h.inbox.Working(); len(got) != 1 || got[0].ID != "7" {
		t.Errorf("expected 7 to remain in the working set, got %+v", got)
	}
	if h.inbox.ledger.IsDismissed("7") {
		t.Error("failed accept must not dismiss the consultation")
	}
	h.mu.Lock()
	errCount := len(h.errs)
	h.mu.Unlock()
	if errCount != 1 {
		t.Errorf("expected one surfaced error, got %d", errCount)
	}

	h.tick(t)
	if got := h.inbox.Working(); len(got) != 1 {
		t.Errorf("expected 7 to survive the next poll, got %+v", got)
	}

	h.api.mu.Lock()
	h.api.acceptErr = nil
	h.api.mu.Unlock()
	if _, err := h.inbox.Accept(context.Background(), "7"); err != nil {
		t.Errorf("expected retry to succeed, got %v", err)
	}
}

func TestInbox_Reject(t *testing.T) {
	h := newHarness(t, pending("5", "alice"), pending("6", "bob"))

	if err := h.inbox.Reject(context.Background(), "5"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, ok := h.inbox.Popup(); ok {
		t.Error("expected popup to close on reject")
	}
	got := h.inbox.Working()
	if len(got) != 1 || got[0].ID != "6" {
		t.Errorf("expected only 6 left, got %+v", got)
	}

	// rejecting a passive-list entry works without a popup
	if err := h.inbox.Reject(context.Background(), "6"); err != nil {
		t.Fatalf("reject passive: %v", err)
	}
	if got := h.inbox.Working(); len(got) != 0 {
		t.Errorf("expected empty working set, got %+v", got)
	}

	h.mu.Lock()
	closed := append([]consultation.ID(nil), h.closed...)
	h.mu.Unlock()
	if len(closed) != 1 || closed[0] != "5" {
		t.Errorf("expected only popup 5 to be reported closed, got %v", closed)
	}
}

func TestInbox_RejectFailureKeepsConsultation(t *testing.T) {
	h := newHarness(t, pending("5", "alice"))
	h.api.rejectErr = fmt.Errorf("reject: %w", consultation.ErrNetwork)

	if err := h.inbox.Reject(context.Background(), "5"); !errors.Is(err, consultation.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if _, ok := h.inbox.Popup(); !ok {
		t.Error("expected popup to stay open after a failed reject")
	}
	if len(h.inbox.Working()) != 1 {
		t.Error("expected consultation to stay in the working set")
	}
}

func TestInbox_NewArrivalAfterResolve(t *testing.T) {
	h := newHarness(t, pending("1", "alice"))

	if _, err := h.inbox.Accept(context.Background(), "1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	h.api.setList(pending("1", "alice"), pending("2", "bob"))
	h.tick(t)

	popups := h.popupIDs()
	if len(popups) != 2 || popups[1] != "2" {
		t.Errorf("expected 2 to pop up next, got %v", popups)
	}
	starts, stops, playing := h.alerter.counts()
	if starts != 2 || stops != 1 || !playing {
		t.Errorf("expected second alert running, got %d/%d playing=%v", starts, stops, playing)
	}
}

func TestInbox_WithdrawnPopupCloses(t *testing.T) {
	h := newHarness(t, pending("3", "alice"))

	h.api.setList()
	h.tick(t)

	if _, ok := h.inbox.Popup(); ok {
		t.Error("expected popup to close once the request is gone")
	}
	if _, _, playing := h.alerter.counts(); playing {
		t.Error("expected the alert to stop")
	}

	h.api.setList(pending("3", "alice"))
	h.tick(t)
	if popups := h.popupIDs(); len(popups) != 1 {
		t.Errorf("a withdrawn request must not pop up again, got %v", popups)
	}
}

func TestInbox_AuthErrorStops(t *testing.T) {
	h := newHarness(t, pending("3", "alice"))

	h.api.mu.Lock()
	h.api.listErr = fmt.Errorf("fetch consultations: %w", consultation.ErrAuth)
	h.api.mu.Unlock()
	h.inbox.Nudge()

	deadline := time.Now().Add(2 * time.Second)
	for h.inbox.Running() {
		if time.Now().After(deadline) {
			t.Fatal("expected inbox to stop on auth error")
		}
		time.Sleep(time.Millisecond)
	}

	h.mu.Lock()
	authErrs := h.authErrs
	h.mu.Unlock()
	if authErrs != 1 {
		t.Errorf("expected auth-expired hook once, got %d", authErrs)
	}
	if _, _, playing := h.alerter.counts(); playing {
		t.Error("expected alert to stop with the inbox")
	}
	if _, err := h.inbox.Accept(context.Background(), "3"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestInbox_PollErrorKeepsState(t *testing.T) {
	h := newHarness(t, pending("3", "alice"))

	h.api.mu.Lock()
	h.api.listErr = fmt.Errorf("fetch consultations: %w", consultation.ErrNetwork)
	h.api.mu.Unlock()

	h.inbox.Nudge()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.api.mu.Lock()
		calls := h.api.fetchCalls
		h.api.mu.Unlock()
		if calls >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a second fetch")
		}
		time.Sleep(time.Millisecond)
	}

	if !h.inbox.Running() {
		t.Error("transient poll errors must not stop the inbox")
	}
	if _, ok := h.inbox.Popup(); !ok {
		t.Error("expected popup to survive a failed poll")
	}
	h.mu.Lock()
	errCount := len(h.errs)
	h.mu.Unlock()
	if errCount != 0 {
		t.Errorf("poll errors must not be surfaced, got %d", errCount)
	}
}

// blockingInboxAPI holds the inbox poll until released and then answers
// regardless of the caller's context.
type blockingInboxAPI struct {
	fakeAPI
	entered chan struct{}
	release chan struct{}
}

func (a *blockingInboxAPI) FetchConsultations(context.Context) ([]consultation.Consultation, error) {
	a.entered <- struct{}{}
	<-a.release
	return []consultation.Consultation{pending("9", "dora")}, nil
}

func TestInbox_LateReplyAfterStopIsDiscarded(t *testing.T) {
	api := &blockingInboxAPI{entered: make(chan struct{}, 1), release: make(chan struct{})}
	alerter := &fakeAlerter{}
	var popups int
	var mu sync.Mutex

	in := New(api, Options{PollInterval: time.Hour, Alerter: alerter}, Hooks{
		OnPopup: func(consultation.Consultation) {
			mu.Lock()
			popups++
			mu.Unlock()
		},
	}, zerolog.Nop())
	if err := in.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-api.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("inbox poll never started")
	}

	in.Stop()
	close(api.release)
	time.Sleep(30 * time.Millisecond)

	if in.Running() {
		t.Error("expected inbox to stay stopped")
	}
	if got := in.Working(); len(got) != 0 {
		t.Errorf("stale poll populated the working set: %v", got)
	}
	if _, ok := in.Popup(); ok {
		t.Error("stale poll raised a popup")
	}
	if in.Polls() != 0 {
		t.Errorf("expected no applied polls, got %d", in.Polls())
	}
	if starts, _, _ := alerter.counts(); starts != 0 {
		t.Errorf("expected no alert, got %d starts", starts)
	}
	mu.Lock()
	defer mu.Unlock()
	if popups != 0 {
		t.Errorf("expected no popup hook, got %d", popups)
	}
}

func TestInbox_SupersededTickSkipsFetch(t *testing.T) {
	api := &fakeAPI{list: []consultation.Consultation{pending("1", "alice")}}
	in := New(api, Options{PollInterval: time.Hour}, Hooks{}, zerolog.Nop())

	if err := in.tick(in.gen+1)(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.fetchCalls != 0 {
		t.Errorf("expected no fetch for a superseded generation, got %d", api.fetchCalls)
	}
}
