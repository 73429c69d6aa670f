package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var ErrEmptyMessage = errors.New("message content is empty")

// ParseRole validates a stored role value.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("unknown message role %q", raw)
	}
}

// Message is a single immutable turn of a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage builds a message stamped with a fresh id.
func NewMessage(role Role, content string, at time.Time) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Message{}, err
	}
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: at.UTC(),
	}, nil
}
