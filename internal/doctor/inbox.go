// Package doctor drives a doctor's consultation inbox: polling for pending
// requests, raising one popup at a time and resolving requests by accept,
// reject or close.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/alert"
	"github.com/hackgods/consultation-signaling/internal/client"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/ledger"
	"github.com/hackgods/consultation-signaling/internal/poller"
	"github.com/hackgods/consultation-signaling/internal/videoroom"
)

var (
	ErrNotRunning       = errors.New("inbox is not running")
	ErrAlreadyRunning   = errors.New("inbox is already running")
	ErrNotInWorkingSet  = errors.New("consultation is not pending in this inbox")
	ErrActionInProgress = errors.New("an action on this consultation is already in progress")
	ErrNoMeeting        = errors.New("backend accepted the consultation without a meeting id")
)

// API is the part of the backend client the inbox needs.
type API interface {
	FetchConsultations(ctx context.Context) ([]consultation.Consultation, error)
	Accept(ctx context.Context, id consultation.ID) (string, error)
	Reject(ctx context.Context, id consultation.ID) error
	NotifyPatient(ctx context.Context, id consultation.ID) (string, error)
}

// Hooks are invoked outside the inbox lock.
type Hooks struct {
	// OnPopup is called when a new arrival becomes the active popup.
	OnPopup func(consultation.Consultation)
	// OnPopupClosed is called when the popup goes away for any reason.
	OnPopupClosed func(consultation.ID)
	// OnList receives the passive list after every successful poll.
	OnList        func([]consultation.Consultation)
	OnHandoff     videoroom.Handler
	OnError       func(error)
	OnAuthExpired func(error)
}

type Options struct {
	PollInterval time.Duration
	Alerter      alert.Alerter
	Ledger       *ledger.Ledger
}

type Inbox struct {
	api      API
	hooks    Hooks
	log      zerolog.Logger
	interval time.Duration
	alerter  alert.Alerter
	ledger   *ledger.Ledger

	mu       sync.Mutex
	working  []consultation.Consultation
	resolved map[consultation.ID]struct{}
	inflight map[consultation.ID]struct{}
	popup    *consultation.Consultation
	gen      uint64
	sched    *poller.Scheduler
	polls    int
}

func New(api API, opts Options, hooks Hooks, logger zerolog.Logger) *Inbox {
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	if opts.Alerter == nil {
		opts.Alerter = alert.Nop{}
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New()
	}
	return &Inbox{
		api:      api,
		hooks:    hooks,
		log:      logger.With().Str("flow", "doctor").Logger(),
		interval: opts.PollInterval,
		alerter:  opts.Alerter,
		ledger:   opts.Ledger,
		resolved: make(map[consultation.ID]struct{}),
		inflight: make(map[consultation.ID]struct{}),
	}
}

// Start begins polling. The first poll runs immediately.
func (in *Inbox) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sched != nil {
		return ErrAlreadyRunning
	}
	in.gen++
	in.sched = poller.Start(context.Background(), in.interval, in.tick(in.gen), in.log)
	return nil
}

// Stop ends the session: polling stops and any alert is silenced before
// Stop returns.
func (in *Inbox) Stop() {
	in.mu.Lock()
	closed := in.stopLocked()
	in.mu.Unlock()

	in.popupClosed(closed)
}

// Nudge requests an immediate poll, e.g. on a push event.
func (in *Inbox) Nudge() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.sched != nil {
		in.sched.Trigger()
	}
}

func (in *Inbox) Running() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sched != nil
}

// Working returns the pending consultations from the last poll that were
// not accepted or rejected in this session.
func (in *Inbox) Working() []consultation.Consultation {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]consultation.Consultation(nil), in.working...)
}

// Popup returns the consultation currently shown as a popup.
func (in *Inbox) Popup() (consultation.Consultation, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.popup == nil {
		return consultation.Consultation{}, false
	}
	return *in.popup, true
}

// Polls reports how many polls have been applied.
func (in *Inbox) Polls() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.polls
}

// Accept accepts id, tells the patient and hands the meeting to the video
// room. On failure the consultation stays in the working set.
func (in *Inbox) Accept(ctx context.Context, id consultation.ID) (videoroom.Handoff, error) {
	if err := in.begin(id); err != nil {
		return videoroom.Handoff{}, err
	}
	defer in.end(id)

	meetingID, err := in.api.Accept(ctx, id)
	if err != nil {
		in.fail("accept", id, err)
		return videoroom.Handoff{}, err
	}

	notified, err := in.api.NotifyPatient(ctx, id)
	if err != nil {
		in.log.Warn().Err(err).Str("consultation_id", id.String()).Msg("notify patient failed")
	}
	if meetingID == "" {
		meetingID = notified
	}

	closed := in.resolve(id)
	in.popupClosed(closed)

	if meetingID == "" {
		in.fail("accept", id, ErrNoMeeting)
		return videoroom.Handoff{}, ErrNoMeeting
	}

	h := videoroom.Handoff{MeetingID: meetingID, Role: consultation.RoleDoctor}
	in.log.Info().Str("consultation_id", id.String()).Str("meeting_id", meetingID).Msg("consultation accepted")
	if in.hooks.OnHandoff != nil {
		in.hooks.OnHandoff(h)
	}
	return h, nil
}

// Reject declines id. On failure the consultation stays in the working set.
func (in *Inbox) Reject(ctx context.Context, id consultation.ID) error {
	if err := in.begin(id); err != nil {
		return err
	}
	defer in.end(id)

	if err := in.api.Reject(ctx, id); err != nil {
		in.fail("reject", id, err)
		return err
	}

	closed := in.resolve(id)
	in.popupClosed(closed)
	in.log.Info().Str("consultation_id", id.String()).Msg("consultation rejected")
	return nil
}

// Close dismisses the current popup without accepting or rejecting. The
// consultation stays pending and listed but will not pop up again.
func (in *Inbox) Close() bool {
	in.mu.Lock()
	if in.popup == nil {
		in.mu.Unlock()
		return false
	}
	id := in.popup.ID
	in.ledger.Dismiss(id)
	in.popup = nil
	in.alerter.Stop()
	in.mu.Unlock()

	in.popupClosed(id)
	return true
}

func (in *Inbox) begin(id consultation.ID) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sched == nil {
		return ErrNotRunning
	}
	if !in.inWorkingLocked(id) {
		return fmt.Errorf("%w: %s", ErrNotInWorkingSet, id)
	}
	if _, busy := in.inflight[id]; busy {
		return ErrActionInProgress
	}
	in.inflight[id] = struct{}{}
	return nil
}

func (in *Inbox) end(id consultation.ID) {
	in.mu.Lock()
	delete(in.inflight, id)
	in.mu.Unlock()
}

// resolve drops id from the working set for the rest of the session and
// returns the id of the popup it closed, if any.
func (in *Inbox) resolve(id consultation.ID) consultation.ID {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.resolved[id] = struct{}{}
	in.ledger.Dismiss(id)
	in.working = without(in.working, id)

	if in.popup != nil && in.popup.ID == id {
		in.popup = nil
		in.alerter.Stop()
		return id
	}
	return ""
}

func (in *Inbox) fail(action string, id consultation.ID, err error) {
	in.log.Warn().Err(err).Str("consultation_id", id.String()).Msgf("%s failed", action)
	if in.hooks.OnError != nil {
		in.hooks.OnError(err)
	}
	if client.IsAuth(err) && in.hooks.OnAuthExpired != nil {
		in.hooks.OnAuthExpired(err)
	}
}

func (in *Inbox) tick(gen uint64) poller.Func {
	return func(ctx context.Context) error {
		in.mu.Lock()
		stale := in.gen != gen
		in.mu.Unlock()
		if stale {
			return nil
		}

		list, err := in.api.FetchConsultations(ctx)

		in.mu.Lock()
		if in.gen != gen {
			in.mu.Unlock()
			return nil
		}
		if err != nil {
			if client.IsAuth(err) {
				closed := in.stopLocked()
				in.mu.Unlock()
				in.log.Warn().Err(err).Msg("session expired, inbox stopped")
				in.popupClosed(closed)
				if in.hooks.OnAuthExpired != nil {
					in.hooks.OnAuthExpired(err)
				}
				return err
			}
			in.mu.Unlock()
			in.log.Warn().Err(err).Msg("inbox poll failed, retrying")
			return err
		}

		working := make([]consultation.Consultation, 0, len(list))
		for _, c := range list {
			if c.Status != consultation.StatusPending {
				continue
			}
			if _, done := in.resolved[c.ID]; done {
				continue
			}
			working = append(working, c)
		}
		in.working = working

		var withdrawn consultation.ID
		if in.popup != nil && !in.inWorkingLocked(in.popup.ID) {
			// the patient cancelled or the request expired
			withdrawn = in.popup.ID
			in.ledger.Dismiss(withdrawn)
			in.popup = nil
			in.alerter.Stop()
		}

		var shown *consultation.Consultation
		fresh := in.ledger.Filter(working)
		if len(fresh) > 0 {
			for _, c := range fresh {
				in.ledger.MarkSeen(c.ID)
			}
			if in.popup == nil {
				c := fresh[0]
				in.popup = &c
				shown = &c
				in.alerter.Start()
			}
		}
		in.polls++
		snapshot := append([]consultation.Consultation(nil), working...)
		in.mu.Unlock()

		in.popupClosed(withdrawn)
		if shown != nil {
			in.log.Info().
				Str("consultation_id", shown.ID.String()).
				Str("patient", shown.PatientName()).
				Int("also_new", len(fresh)-1).
				Msg("new consultation request")
			if in.hooks.OnPopup != nil {
				in.hooks.OnPopup(*shown)
			}
		}
		if in.hooks.OnList != nil {
			in.hooks.OnList(snapshot)
		}
		return nil
	}
}

func (in *Inbox) stopLocked() consultation.ID {
	in.gen++
	if in.sched != nil {
		in.sched.Cancel()
		in.sched = nil
	}
	var closed consultation.ID
	if in.popup != nil {
		closed = in.popup.ID
		in.popup = nil
	}
	in.alerter.Stop()
	return closed
}

func (in *Inbox) popupClosed(id consultation.ID) {
	if id.Empty() || in.hooks.OnPopupClosed == nil {
		return
	}
	in.hooks.OnPopupClosed(id)
}

func (in *Inbox) inWorkingLocked(id consultation.ID) bool {
	for _, c := range in.working {
		if c.ID == id {
			return true
		}
	}
	return false
}

func without(list []consultation.Consultation, id consultation.ID) []consultation.Consultation {
	out := list[:0:0]
	for _, c := range list {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}
