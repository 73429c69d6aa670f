package chat

import (
	"fmt"
	"sort"
	"time"
)

// SessionRecord is the flat, one-row-per-session persistence form.
type SessionRecord struct {
	SessionID      string
	UserID         int64
	PersonaID      string
	AgentID        string
	ThreadID       string
	ConversationID string
	CreatedAt      time.Time
	LastActivity   time.Time
	Active         bool
}

// MessageRecord is the flat, one-row-per-message persistence form.
type MessageRecord struct {
	ID             string
	ConversationID string
	Seq            int
	Role           string
	Content        string
	CreatedAt      time.Time
}

// ToRecord flattens the session.
func (s Session) ToRecord() SessionRecord {
	return SessionRecord{
		SessionID:      s.ID,
		UserID:         s.UserID,
		PersonaID:      s.PersonaID,
		AgentID:        s.AgentID,
		ThreadID:       s.ThreadID,
		ConversationID: s.ConversationID,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity,
		Active:         s.Active,
	}
}

// SessionFromRecord rebuilds a session, refusing records that break the agent/thread pairing.
func SessionFromRecord(rec SessionRecord) (Session, error) {
	if rec.SessionID == "" {
		return Session{}, fmt.Errorf("session record for user %d has no id", rec.UserID)
	}
	s := Session{
		ID:             rec.SessionID,
		UserID:         rec.UserID,
		PersonaID:      rec.PersonaID,
		AgentID:        rec.AgentID,
		ThreadID:       rec.ThreadID,
		ConversationID: rec.ConversationID,
		CreatedAt:      rec.CreatedAt.UTC(),
		LastActivity:   rec.LastActivity.UTC(),
		Active:         rec.Active,
	}
	if !s.Consistent() {
		return Session{}, fmt.Errorf("%w: session %s", ErrInconsistentSession, s.ID)
	}
	return s, nil
}

// Records flattens the conversation's messages in order.
func (c *Conversation) Records() []MessageRecord {
	out := make([]MessageRecord, 0, len(c.messages))
	for i, m := range c.messages {
		out = append(out, MessageRecord{
			ID:             m.ID,
			ConversationID: c.ID,
			Seq:            i,
			Role:           string(m.Role),
			Content:        m.Content,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out
}

// ConversationFromRecords rebuilds the conversation referenced by a session.
func ConversationFromRecords(s Session, records []MessageRecord) (*Conversation, error) {
	if s.ConversationID == "" {
		return nil, fmt.Errorf("session %s has no conversation", s.ID)
	}

	sorted := append([]MessageRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	conv := &Conversation{
		ID:        s.ConversationID,
		UserID:    s.UserID,
		PersonaID: s.PersonaID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.LastActivity,
		messages:  make([]Message, 0, len(sorted)),
	}
	for _, rec := range sorted {
		if rec.ConversationID != s.ConversationID {
			return nil, fmt.Errorf("message %s belongs to conversation %s, not %s", rec.ID, rec.ConversationID, s.ConversationID)
		}
		role, err := ParseRole(rec.Role)
		if err != nil {
			return nil, err
		}
		conv.messages = append(conv.messages, Message{
			ID:        rec.ID,
			Role:      role,
			Content:   rec.Content,
			CreatedAt: rec.CreatedAt.UTC(),
		})
	}
	if n := len(conv.messages); n > 0 {
		conv.UpdatedAt = conv.messages[n-1].CreatedAt
	}
	return conv, nil
}
