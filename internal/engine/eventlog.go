package engine

import (
	"sync"

	"github.com/efreitasn/ordermatch/internal/domain"
)

// EventLog is the append-only outbox the engine reports through. Events
// of one instrument are appended in causal order and never rewritten.
type EventLog interface {
	Append(events ...domain.Event) error
}

// MemoryLog is an in-process EventLog. Safe for concurrent use.
type MemoryLog struct {
	mu     sync.RWMutex
	events []domain.Event
	seen   map[string]map[uint64]bool
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{seen: make(map[string]map[uint64]bool)}
}

// Append records events, skipping any (instrument, sequence) already held.
func (l *MemoryLog) Append(events ...domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		seqs := l.seen[ev.InstrumentID]
		if seqs == nil {
			seqs = make(map[uint64]bool)
			l.seen[ev.InstrumentID] = seqs
		}
		if seqs[ev.Sequence] {
			continue
		}
		seqs[ev.Sequence] = true
		l.events = append(l.events, ev)
	}
	return nil
}

// Events returns a copy of everything appended so far.
func (l *MemoryLog) Events() []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}
