package chat

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInconsistentSession marks a session whose agent and thread are not set together.
var ErrInconsistentSession = errors.New("session has a thread without an agent or vice versa")

// State is derived from the attributes of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateExpired       State = "expired"
)

// Session is the per-user coordination state. Empty strings mean "unset".
type Session struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"userId"`
	PersonaID      string    `json:"personaId,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	ThreadID       string    `json:"threadId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	Active         bool      `json:"active"`
}

// NewSession creates an active, uninitialized session.
func NewSession(userID int64, at time.Time) Session {
	at = at.UTC()
	return Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    at,
		LastActivity: at,
		Active:       true,
	}
}

// Ready reports whether the session can accept messages.
func (s Session) Ready() bool {
	return s.PersonaID != "" && s.AgentID != "" && s.ThreadID != ""
}

// Consistent checks that the agent/thread pair is set or unset as a whole and that a
// thread never exists without a persona.
func (s Session) Consistent() bool {
	if (s.AgentID == "") != (s.ThreadID == "") {
		return false
	}
	if s.ThreadID != "" && s.PersonaID == "" {
		return false
	}
	return true
}

// Expired reports whether the session should be swept at now.
func (s Session) Expired(now time.Time, timeout time.Duration) bool {
	if !s.Active {
		return true
	}
	return now.Sub(s.LastActivity) > timeout
}

// State derives the lifecycle state of the session.
func (s Session) State(now time.Time, timeout time.Duration) State {
	switch {
	case s.Expired(now, timeout):
		return StateExpired
	case s.Ready():
		return StateReady
	default:
		return StateUninitialized
	}
}

// ClearEpoch drops the agent, thread and conversation, keeping the persona.
func (s *Session) ClearEpoch() {
	s.AgentID = ""
	s.ThreadID = ""
	s.ConversationID = ""
}

// Touch updates the activity timestamp.
func (s *Session) Touch(at time.Time) {
	s.LastActivity = at.UTC()
}
