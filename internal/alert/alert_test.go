package alert

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestBell_LoopsUntilStopped(t *testing.T) {
	out := &syncBuffer{}
	b := NewBell(out, 5*time.Millisecond, zerolog.Nop())

	b.Start()
	b.Start()
	time.Sleep(30 * time.Millisecond)
	b.Stop()

	rings := strings.Count(out.String(), "\a")
	if rings < 2 {
		t.Fatalf("expected the bell to repeat, rang %d times", rings)
	}
	if b.Playing() {
		t.Error("expected bell to be silent after Stop")
	}

	time.Sleep(20 * time.Millisecond)
	if got := strings.Count(out.String(), "\a"); got != rings {
		t.Errorf("bell rang %d times after Stop", got-rings)
	}
}

func TestBell_StopWithoutStart(t *testing.T) {
	b := NewBell(&syncBuffer{}, time.Second, zerolog.Nop())
	b.Stop()
	b.Stop()

	b.Start()
	if !b.Playing() {
		t.Error("expected bell to play after Start")
	}
	b.Stop()
}
