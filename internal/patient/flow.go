// Package patient drives a patient's consultation request from doctor
// selection until both parties are sent to the video room.
package patient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/client"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/poller"
	"github.com/hackgods/consultation-signaling/internal/videoroom"
)

type State string

const (
	StateIdle             State = "idle"
	StateRequesting       State = "requesting"
	StateWaitingForDoctor State = "waiting_for_doctor"
	StateConnected        State = "connected"
	StateRejected         State = "rejected"
	StateCancelled        State = "cancelled"
	StateFailed           State = "failed"
	StateTimedOut         State = "timed_out"
)

// Active reports whether a request is in flight.
func (s State) Active() bool {
	return s == StateRequesting || s == StateWaitingForDoctor
}

var (
	ErrRequestInFlight = errors.New("a consultation request is already in progress")
	ErrCancelled       = errors.New("consultation request cancelled")
	ErrRoomClosed      = errors.New("consultation completed before the patient joined")
)

// API is the part of the backend client the flow needs.
type API interface {
	StartConsultation(ctx context.Context, doctorID consultation.ID) (client.StartResult, error)
	FetchStatus(ctx context.Context, q client.StatusQuery) (client.StatusResult, error)
}

// Hooks are called outside the flow's lock, in transition order.
type Hooks struct {
	OnState       func(State)
	OnHandoff     videoroom.Handler
	OnError       func(error)
	OnAuthExpired func(error)
}

type Options struct {
	PollInterval time.Duration
	// WaitDeadline bounds WaitingForDoctor. Zero waits until a terminal
	// status or Cancel.
	WaitDeadline time.Duration
}

// Snapshot is a copy of the flow's observable state.
type Snapshot struct {
	State          State
	DoctorID       consultation.ID
	ConsultationID consultation.ID
	MeetingID      string
	StatusPolls    int
	Err            error
}

type Flow struct {
	api   API
	opts  Options
	hooks Hooks
	log   zerolog.Logger

	mu             sync.Mutex
	state          State
	doctorID       consultation.ID
	consultationID consultation.ID
	meetingID      string
	polls          int
	err            error
	gen            uint64
	sched          *poller.Scheduler
	deadline       *time.Timer
	changed        chan struct{}
}

func New(api API, opts Options, hooks Hooks, logger zerolog.Logger) *Flow {
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	return &Flow{
		api:     api,
		opts:    opts,
		hooks:   hooks,
		log:     logger.With().Str("flow", "patient").Logger(),
		state:   StateIdle,
		changed: make(chan struct{}),
	}
}

// SelectDoctor picks the doctor the next Submit will request.
func (f *Flow) SelectDoctor(id consultation.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Active() {
		return ErrRequestInFlight
	}
	f.doctorID = id
	return nil
}

// Submit requests a consultation with the selected doctor and, on success,
// starts polling its status. ctx bounds the start call only.
func (f *Flow) Submit(ctx context.Context) error {
	f.mu.Lock()
	if f.state.Active() {
		f.mu.Unlock()
		return ErrRequestInFlight
	}
	if f.doctorID.Empty() {
		f.mu.Unlock()
		err := consultation.Validationf("please select a doctor first")
		f.emit(nil, err)
		return err
	}

	f.gen++
	gen := f.gen
	doctorID := f.doctorID
	f.consultationID, f.meetingID, f.polls, f.err = "", "", 0, nil
	notify := f.setState(StateRequesting)
	f.mu.Unlock()
	f.emit(notify, nil)

	res, err := f.api.StartConsultation(ctx, doctorID)

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		f.log.Debug().Str("doctor_id", doctorID.String()).Msg("discarding start response after cancel")
		return ErrCancelled
	}
	if err != nil {
		f.err = err
		notify := f.setState(StateFailed)
		f.mu.Unlock()
		f.log.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("start consultation failed")
		f.emit(notify, err)
		f.authExpired(err)
		return err
	}

	f.consultationID = res.ConsultationID
	f.meetingID = res.MeetingID
	notify = f.setState(StateWaitingForDoctor)
	f.sched = poller.Start(context.Background(), f.opts.PollInterval, f.tick(gen), f.log)
	if f.opts.WaitDeadline > 0 {
		f.deadline = time.AfterFunc(f.opts.WaitDeadline, func() { f.expire(gen) })
	}
	f.mu.Unlock()

	f.log.Info().
		Str("doctor_id", doctorID.String()).
		Str("consultation_id", res.ConsultationID.String()).
		Msg("waiting for doctor")
	f.emit(notify, nil)
	return nil
}

// Cancel aborts an active request. Polling is stopped before Cancel
// returns and any response still in flight is discarded.
func (f *Flow) Cancel() {
	f.mu.Lock()
	if !f.state.Active() {
		f.mu.Unlock()
		return
	}
	f.gen++
	f.stopLocked()
	id := f.consultationID
	notify := f.setState(StateCancelled)
	f.mu.Unlock()

	f.log.Info().Str("consultation_id", id.String()).Msg("request cancelled by patient")
	f.emit(notify, nil)
}

// Nudge asks for an immediate status check, e.g. after a push event.
func (f *Flow) Nudge() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sched != nil {
		f.sched.Trigger()
	}
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// Wait blocks until the flow is no longer active or ctx is done.
func (f *Flow) Wait(ctx context.Context) (Snapshot, error) {
	for {
		f.mu.Lock()
		if !f.state.Active() {
			s := f.snapshotLocked()
			f.mu.Unlock()
			return s, nil
		}
		ch := f.changed
		f.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return f.Snapshot(), ctx.Err()
		}
	}
}

func (f *Flow) tick(gen uint64) poller.Func {
	return func(ctx context.Context) error {
		f.mu.Lock()
		if f.gen != gen || f.state != StateWaitingForDoctor {
			f.mu.Unlock()
			return nil
		}
		q := client.StatusQuery{MeetingID: f.meetingID, ConsultationID: f.consultationID}
		f.polls++
		f.mu.Unlock()

		res, err := f.api.FetchStatus(ctx, q)

		f.mu.Lock()
		if f.gen != gen {
			f.mu.Unlock()
			return nil
		}
		if err != nil {
			if client.IsAuth(err) {
				f.err = err
				f.gen++
				f.stopLocked()
				notify := f.setState(StateFailed)
				f.mu.Unlock()
				f.log.Warn().Err(err).Msg("session expired while waiting for doctor")
				f.emit(notify, nil)
				f.authExpired(err)
				return err
			}
			f.mu.Unlock()
			f.log.Warn().Err(err).Str("consultation_id", q.ConsultationID.String()).Msg("status poll failed, retrying")
			return err
		}

		if res.MeetingID != "" {
			f.meetingID = res.MeetingID
		}

		var (
			next    State
			handoff *videoroom.Handoff
		)
		switch res.Status {
		case consultation.StatusOngoing:
			if f.meetingID == "" {
				f.mu.Unlock()
				f.log.Warn().Str("consultation_id", q.ConsultationID.String()).Msg("ongoing without meeting id, still waiting")
				return nil
			}
			next = StateConnected
			handoff = &videoroom.Handoff{MeetingID: f.meetingID, Role: consultation.RolePatient}
		case consultation.StatusCancelled:
			next = StateRejected
		case consultation.StatusCompleted:
			next = StateFailed
			f.err = ErrRoomClosed
		default:
			f.mu.Unlock()
			if res.Status != consultation.StatusPending {
				f.log.Debug().Str("status", string(res.Status)).Msg("unrecognised status, still waiting")
			}
			return nil
		}

		f.gen++
		f.stopLocked()
		notify := f.setState(next)
		f.mu.Unlock()

		f.log.Info().
			Str("consultation_id", q.ConsultationID.String()).
			Str("state", string(next)).
			Msg("consultation request finished")
		f.emit(notify, nil)
		if handoff != nil && f.hooks.OnHandoff != nil {
			f.hooks.OnHandoff(*handoff)
		}
		return nil
	}
}

func (f *Flow) expire(gen uint64) {
	f.mu.Lock()
	if f.gen != gen || f.state != StateWaitingForDoctor {
		f.mu.Unlock()
		return
	}
	f.gen++
	f.err = fmt.Errorf("no answer from doctor within %s", f.opts.WaitDeadline)
	f.stopLocked()
	notify := f.setState(StateTimedOut)
	f.mu.Unlock()

	f.log.Info().Dur("deadline", f.opts.WaitDeadline).Msg("gave up waiting for doctor")
	f.emit(notify, nil)
}

// stopLocked cancels polling and the deadline. Safe from the poll goroutine.
func (f *Flow) stopLocked() {
	if f.sched != nil {
		f.sched.Cancel()
		f.sched = nil
	}
	if f.deadline != nil {
		f.deadline.Stop()
		f.deadline = nil
	}
}

// setState must be called with mu held. It returns the state-hook call for
// the caller to run after unlocking.
func (f *Flow) setState(s State) func() {
	f.state = s
	close(f.changed)
	f.changed = make(chan struct{})
	if f.hooks.OnState == nil {
		return nil
	}
	return func() { f.hooks.OnState(s) }
}

func (f *Flow) emit(notify func(), err error) {
	if notify != nil {
		notify()
	}
	if err != nil && f.hooks.OnError != nil {
		f.hooks.OnError(err)
	}
}

func (f *Flow) authExpired(err error) {
	if client.IsAuth(err) && f.hooks.OnAuthExpired != nil {
		f.hooks.OnAuthExpired(err)
	}
}

func (f *Flow) snapshotLocked() Snapshot {
	return Snapshot{
		State:          f.state,
		DoctorID:       f.doctorID,
		ConsultationID: f.consultationID,
		MeetingID:      f.meetingID,
		StatusPolls:    f.polls,
		Err:            f.err,
	}
}
