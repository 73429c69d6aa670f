package chat

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the local log of one persona epoch. Messages are only ever appended;
// a new epoch gets a new Conversation.
type Conversation struct {
	ID        string
	UserID    int64
	PersonaID string
	CreatedAt time.Time
	UpdatedAt time.Time
	messages  []Message
}

// NewConversation starts an empty log bound to a user and persona.
func NewConversation(userID int64, personaID string, at time.Time) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		PersonaID: personaID,
		CreatedAt: at.UTC(),
		UpdatedAt: at.UTC(),
		messages:  make([]Message, 0, 16),
	}
}

// Append adds a new message to the end of the log.
func (c *Conversation) Append(role Role, content string, at time.Time) (Message, error) {
	msg, err := NewMessage(role, content, at)
	if err != nil {
		return Message{}, err
	}
	c.messages = append(c.messages, msg)
	c.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// Len reports the number of messages in the log.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Messages returns a copy of the full log.
func (c *Conversation) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

// Recent returns up to limit trailing messages. A non-positive limit returns everything.
func (c *Conversation) Recent(limit int) []Message {
	if limit <= 0 || limit >= len(c.messages) {
		return c.Messages()
	}
	return append([]Message(nil), c.messages[len(c.messages)-limit:]...)
}
