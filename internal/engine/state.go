// Package engine provides agent orchestration functionality.
package engine

import (
	"sync"
	"time"
)

// State is the conversation of one session plus its counters.
// Messages can only be appended; readers always receive deep copies.
type State struct {
	mu       sync.RWMutex
	messages []ChatMessage

	Model   string
	Step    int       // steps observed in the current run
	Totals  Usage     // accumulated token usage across all calls
	Started time.Time // start of the current run, used for the wall-clock budget

	now func() time.Time
}

// NewState creates an empty state for the given model.
func NewState(model string) *State {
	return &State{Model: model, now: time.Now}
}

// Append stores msg at the end of the sequence, assigning its position and timestamp.
// The stored copy is returned.
func (s *State) Append(msg ChatMessage) ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Seq = len(s.messages)
	if s.now == nil {
		s.now = time.Now
	}
	msg.Time = s.now()
	msg = msg.clone()
	s.messages = append(s.messages, msg)
	return msg.clone()
}

// Messages returns a copy of the message sequence.
func (s *State) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.clone()
	}
	return out
}

// Len returns the number of messages appended so far.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent message, or a zero message when empty.
func (s *State) Last() ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return ChatMessage{}
	}
	return s.messages[len(s.messages)-1].clone()
}

// Elapsed returns the wall-clock time since the current run started.
func (s *State) Elapsed() time.Duration {
	if s.Started.IsZero() {
		return 0
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	return now().Sub(s.Started)
}
