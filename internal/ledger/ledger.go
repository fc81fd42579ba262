// Package ledger tracks which consultations a doctor session has already
// surfaced or dismissed.
package ledger

import (
	"sync"

	"github.com/hackgods/consultation-signaling/internal/consultation"
)

// Ledger holds two disjoint id sets. An id is "seen" once it has been shown
// in a popup or the passive list, and "dismissed" once the user closed or
// acted on it. Dismissal is permanent for the session.
type Ledger struct {
	mu        sync.RWMutex
	seen      map[consultation.ID]struct{}
	dismissed map[consultation.ID]struct{}
}

func New() *Ledger {
	return &Ledger{
		seen:      make(map[consultation.ID]struct{}),
		dismissed: make(map[consultation.ID]struct{}),
	}
}

// MarkSeen records ids as displayed. Dismissed ids are left untouched.
func (l *Ledger) MarkSeen(ids ...consultation.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if _, ok := l.dismissed[id]; ok {
			continue
		}
		l.seen[id] = struct{}{}
	}
}

// Dismiss moves id into the dismissed set.
func (l *Ledger) Dismiss(id consultation.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.seen, id)
	l.dismissed[id] = struct{}{}
}

func (l *Ledger) IsSeen(id consultation.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[id]
	return ok
}

func (l *Ledger) IsDismissed(id consultation.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.dismissed[id]
	return ok
}

// Known reports whether id is in either set.
func (l *Ledger) Known(id consultation.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.known(id)
}

func (l *Ledger) known(id consultation.ID) bool {
	if _, ok := l.seen[id]; ok {
		return true
	}
	_, ok := l.dismissed[id]
	return ok
}

// Filter returns, in input order, the pending consultations whose ids are
// in neither set. Duplicate ids in the input are returned once.
func (l *Ledger) Filter(list []consultation.Consultation) []consultation.Consultation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	fresh := []consultation.Consultation{}
	taken := make(map[consultation.ID]struct{}, len(list))
	for _, c := range list {
		if c.Status != consultation.StatusPending || l.known(c.ID) {
			continue
		}
		if _, dup := taken[c.ID]; dup {
			continue
		}
		taken[c.ID] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh
}

// Len returns the sizes of the seen and dismissed sets.
func (l *Ledger) Len() (seen, dismissed int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.seen), len(l.dismissed)
}

// Reset forgets everything, as a new session would.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seen = make(map[consultation.ID]struct{})
	l.dismissed = make(map[consultation.ID]struct{})
}
