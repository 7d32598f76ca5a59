package session

import (
	"time"

	"github.com/zette-dev/tether/internal/executor"
)

// State is the lifecycle state of a session.
type State int

const (
	StateIdle    State = iota // No process in flight
	StateSending              // Exactly one process in flight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	default:
		return "unknown"
	}
}

// Session is one chat's conversation with the backend. All fields are
// guarded by the owning Manager's mutex.
type Session struct {
	chatID         int64
	conversationID string
	started        bool
	createdAt      time.Time
	lastActivity   time.Time

	state State
	proc  *executor.Process // Set iff state == StateSending
}

// StatusInfo is a point-in-time snapshot of a session.
type StatusInfo struct {
	Exists         bool
	ChatID         int64
	ConversationID string
	Started        bool
	State          State
	CreatedAt      time.Time
	LastActivity   time.Time
	Backend        string
}

func (s *Session) info(backend string) StatusInfo {
	return StatusInfo{
		Exists:         true,
		ChatID:         s.chatID,
		ConversationID: s.conversationID,
		Started:        s.started,
		State:          s.state,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		Backend:        backend,
	}
}
