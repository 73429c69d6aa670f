package session

import (
	"errors"
	"fmt"

	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
)

// NotReadyPrompt is shown when a message arrives before any persona is selected.
const NotReadyPrompt = "Please select a character first so I know who you'd like to talk to."

// Describe turns a coordinator failure into the text shown to the user. name is the
// persona's display name and may be empty.
func Describe(err error, name string) string {
	if err == nil {
		return ""
	}
	if name == "" {
		name = "Your character"
	}

	switch {
	case errors.Is(err, persona.ErrNotFound):
		return "❌ Character not found. Please pick one from the character list."
	case errors.Is(err, ErrSessionNotFound):
		return "No session yet. Pick a character to start chatting."
	case errors.Is(err, ErrInvalidInput):
		return fmt.Sprintf("Please send a non-empty message of at most %d characters.", MaxMessageLength)
	case errors.Is(err, assistant.ErrTimeout):
		return fmt.Sprintf("%s is still thinking about that one. Please try again in a moment.", name)
	case errors.Is(err, assistant.ErrRunFailed), errors.Is(err, assistant.ErrProtocol):
		return fmt.Sprintf("Sorry, %s is having some technical difficulties right now. Please try again later.", name)
	case errors.Is(err, assistant.ErrRemoteUnavailable):
		return fmt.Sprintf("%s can't be reached right now. Please try again in a little while.", name)
	case errors.Is(err, ErrInconsistentSession):
		return "Something went wrong with your session. Please reset and pick a character again."
	default:
		return "Sorry, something went wrong. Please try again later."
	}
}
