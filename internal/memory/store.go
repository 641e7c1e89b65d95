// Package memory keeps the short conversation log that gives follow-up
// questions their context.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Roles a turn can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMaxTurns is how many turns a log retains.
const DefaultMaxTurns = 20

// Turn is one utterance or reply.
type Turn struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn with a time-ordered ID.
func NewTurn(role, text string, at time.Time) Turn {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Turn{ID: id.String(), Role: role, Text: text, Timestamp: at}
}

// Log is an append-only, bounded sequence of turns.
type Log interface {
	// Append adds turns in order as one unit, evicting the oldest
	// beyond the log's bound. Either every turn is stored or none is.
	Append(ctx context.Context, turns ...Turn) error
	// Recent returns up to n of the newest turns, oldest first.
	Recent(ctx context.Context, n int) ([]Turn, error)
}

func validate(turns []Turn) error {
	for _, t := range turns {
		switch t.Role {
		case RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("invalid turn role %q", t.Role)
		}
	}
	return nil
}

// fill assigns an ID and timestamp when the caller left them empty.
func fill(t Turn, now func() time.Time) Turn {
	if t.ID == "" {
		t.ID = NewTurn(t.Role, t.Text, time.Time{}).ID
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now()
	}
	return t
}

// Store is an in-memory Log. Contents do not survive a restart.
type Store struct {
	mu       sync.RWMutex
	turns    []Turn
	maxTurns int
	nowFunc  func() time.Time
}

// NewStore creates an in-memory log holding at most maxTurns turns.
func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{maxTurns: maxTurns, nowFunc: time.Now}
}

// Append adds turns and trims the log.
func (s *Store) Append(_ context.Context, turns ...Turn) error {
	if err := validate(turns); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range turns {
		s.turns = append(s.turns, fill(t, s.nowFunc))
	}
	if over := len(s.turns) - s.maxTurns; over > 0 {
		s.turns = append([]Turn(nil), s.turns[over:]...)
	}
	return nil
}

// Recent returns a copy of the newest n turns, oldest first. A
// non-positive n returns everything retained.
func (s *Store) Recent(_ context.Context, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && n < len(s.turns) {
		start = len(s.turns) - n
	}
	out := make([]Turn, len(s.turns)-start)
	copy(out, s.turns[start:])
	return out, nil
}

// Len returns the number of retained turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}
