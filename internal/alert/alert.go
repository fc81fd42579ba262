// Package alert provides the looping notification played while a
// consultation popup is open.
package alert

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Alerter plays a notification until stopped. Start while already playing
// and Stop while silent are no-ops.
type Alerter interface {
	Start()
	Stop()
}

// Nop never makes a sound.
type Nop struct{}

func (Nop) Start() {}
func (Nop) Stop()  {}

// Bell writes the terminal bell to w once per period until Stop.
type Bell struct {
	w      io.Writer
	period time.Duration
	log    zerolog.Logger

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func NewBell(w io.Writer, period time.Duration, logger zerolog.Logger) *Bell {
	if period <= 0 {
		period = 2 * time.Second
	}
	return &Bell{w: w, period: period, log: logger}
}

func (b *Bell) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.quit != nil {
		return
	}
	b.quit = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(b.quit, b.done)
}

// Stop silences the bell and returns once the loop has exited.
func (b *Bell) Stop() {
	b.mu.Lock()
	quit, done := b.quit, b.done
	b.quit, b.done = nil, nil
	b.mu.Unlock()

	if quit == nil {
		return
	}
	close(quit)
	<-done
}

// Playing reports whether the loop is running.
func (b *Bell) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quit != nil
}

func (b *Bell) loop(quit, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(b.period)
	defer t.Stop()

	for {
		if _, err := io.WriteString(b.w, "\a"); err != nil {
			b.log.Warn().Err(err).Msg("alert write failed")
		}
		select {
		case <-quit:
			return
		case <-t.C:
		}
	}
}
