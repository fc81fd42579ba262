// Package poller runs a callback on a fixed interval until cancelled.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the cadence used by both the doctor inbox and the
// patient status poll.
const DefaultInterval = 5 * time.Second

// Func is one polling tick. The context is cancelled when the scheduler is.
type Func func(ctx context.Context) error

// Scheduler invokes its Func immediately and then once per interval.
//
// Invocations never overlap: ticks that fire while the callback is still
// running are dropped. Cancel is idempotent and may be called from inside
// the callback.
type Scheduler struct {
	interval time.Duration
	fn       Func
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	runs    int

	trigger chan struct{}
	done    chan struct{}
}

// Start launches the polling loop. The first invocation happens right away
// on the loop goroutine.
func Start(parent context.Context, interval time.Duration, fn Func, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(parent)

	s := &Scheduler{
		interval: interval,
		fn:       fn,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Cancel stops the loop. No invocation is committed after Cancel returns; one
// committed before it, including one about to call fn, runs with a cancelled
// context, so callers must check their own generation before applying work.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}

// Done is closed once the loop goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Trigger asks for an early invocation. Requests made while one is already
// pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Runs reports how many invocations have started.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if !s.invoke() {
			return
		}

		// a tick that fired during the callback is skipped; a pending
		// Trigger is kept so a push that raced the fetch is not lost
		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

func (s *Scheduler) invoke() bool {
	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	s.runs++
	s.mu.Unlock()

	if err := s.fn(s.ctx); err != nil && s.ctx.Err() == nil {
		s.log.Debug().Err(err).Msg("poll tick failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
