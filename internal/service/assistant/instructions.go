package assistant

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// BuildInstructions composes the agent instructions for a persona. The persona prompt always
// leads; style, traits and the greeting are appended when present.
func BuildInstructions(p persona.Persona) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Prompt))

	var hints []string
	if p.Style != "" {
		hints = append(hints, fmt.Sprintf("Speak in a %s manner.", p.Style))
	}
	if len(p.Traits) > 0 {
		hints = append(hints, fmt.Sprintf("Core traits: %s.", strings.Join(p.Traits, ", ")))
	}
	if p.Greeting != "" {
		hints = append(hints, fmt.Sprintf("Your usual opening line: %q", p.Greeting))
	}
	if len(hints) > 0 {
		b.WriteString("\n\nCharacter notes:\n- ")
		b.WriteString(strings.Join(hints, "\n- "))
	}

	b.WriteString(fmt.Sprintf("\n\nStay in character as %s for the whole conversation.", p.Name))
	return b.String()
}

// AgentName is the display name given to a persona's remote agent.
func AgentName(p persona.Persona) string {
	if p.Description == "" {
		return p.Name
	}
	return fmt.Sprintf("%s - %s", p.Name, p.Description)
}
