package ledger

import (
	"sync"
	"time"
)

// Role is the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single utterance. Turns are never modified once appended.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Ledger is the ordered, append-only record of turns for one call.
type Ledger struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

func New() *Ledger {
	return &Ledger{now: time.Now}
}

// Append records a turn and returns it.
func (l *Ledger) Append(role Role, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := Turn{Role: role, Text: text, Timestamp: l.now().UTC()}
	l.turns = append(l.turns, t)
	return t
}

// Recent returns up to n of the latest turns, oldest first.
func (l *Ledger) Recent(n int) []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.turns) == 0 {
		return nil
	}
	start := len(l.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(l.turns)-start)
	copy(out, l.turns[start:])
	return out
}

// All returns a copy of every turn.
func (l *Ledger) All() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Last returns the most recent turn by role.
func (l *Ledger) Last(role Role) (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.turns) - 1; i >= 0; i-- {
		if l.turns[i].Role == role {
			return l.turns[i], true
		}
	}
	return Turn{}, false
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Count returns the number of turns spoken by role.
func (l *Ledger) Count(role Role) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, t := range l.turns {
		if t.Role == role {
			n++
		}
	}
	return n
}
