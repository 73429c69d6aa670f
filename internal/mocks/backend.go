package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
)

// DefaultReply is what the fakes answer unless told otherwise.
const DefaultReply = "Test response from assistant"

var ErrInjected = errors.New("injected failure")

// Backend is an in-memory assistant.Backend that counts calls and can be told to fail.
type Backend struct {
	mu sync.Mutex

	Reply     string
	ReplyRole string
	// PollsToComplete is how many status polls report in_progress before the final status.
	PollsToComplete int
	// FinalStatus defaults to completed.
	FinalStatus   assistant.RunStatus
	NeverComplete bool
	// StatusDelay holds every RunStatus call, or until its context ends.
	StatusDelay time.Duration

	// Fail* count down: each call consumes one failure before succeeding.
	FailCreateAgent  int
	FailCreateThread int
	FailAddMessage   bool
	FailDeleteThread bool

	calls   map[string]int
	agents  map[string]assistant.Agent
	threads map[string][]assistant.ThreadMessage
	runs    map[string]int
	replies map[string]assistant.ThreadMessage
	seq     int
}

func NewBackend() *Backend {
	return &Backend{
		Reply:     DefaultReply,
		ReplyRole: "assistant",
		calls:     make(map[string]int),
		agents:    make(map[string]assistant.Agent),
		threads:   make(map[string][]assistant.ThreadMessage),
		runs:      make(map[string]int),
		replies:   make(map[string]assistant.ThreadMessage),
	}
}

// Calls reports how often a method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// DropAgent simulates an agent deleted out of band.
func (b *Backend) DropAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.agents, agentID)
}

// Messages returns what has been posted to a thread.
func (b *Backend) Messages(threadID string) []assistant.ThreadMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]assistant.ThreadMessage(nil), b.threads[threadID]...)
}

func (b *Backend) HasThread(threadID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.threads[threadID]
	return ok
}

func (b *Backend) nextID(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s_%d", prefix, b.seq)
}

func (b *Backend) RetrieveAgent(_ context.Context, agentID string) (assistant.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["RetrieveAgent"]++
	a, ok := b.agents[agentID]
	if !ok {
		return assistant.Agent{}, assistant.ErrAgentNotFound
	}
	return a, nil
}

func (b *Backend) CreateAgent(_ context.Context, spec assistant.AgentSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["CreateAgent"]++
	if b.FailCreateAgent > 0 {
		b.FailCreateAgent--
		return "", ErrInjected
	}
	id := b.nextID("asst")
	b.agents[id] = assistant.Agent{ID: id, Name: spec.Name, Metadata: spec.Metadata}
	return id, nil
}

func (b *Backend) DeleteAgent(_ context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["DeleteAgent"]++
	if _, ok := b.agents[agentID]; !ok {
		return assistant.ErrAgentNotFound
	}
	delete(b.agents, agentID)
	return nil
}

func (b *Backend) ListAgents(_ context.Context) ([]assistant.Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["ListAgents"]++
	out := make([]assistant.Agent, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, a)
	}
	return out, nil
}

func (b *Backend) CreateThread(_ context.Context, _ map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["CreateThread"]++
	if b.FailCreateThread > 0 {
		b.FailCreateThread--
		return "", ErrInjected
	}
	id := b.nextID("thread")
	b.threads[id] = nil
	return id, nil
}

func (b *Backend) DeleteThread(_ context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["DeleteThread"]++
	if b.FailDeleteThread {
		return ErrInjected
	}
	delete(b.threads, threadID)
	return nil
}

func (b *Backend) AddUserMessage(_ context.Context, threadID, text string, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["AddUserMessage"]++
	if b.FailAddMessage {
		return ErrInjected
	}
	if _, ok := b.threads[threadID]; !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	b.threads[threadID] = append(b.threads[threadID], assistant.ThreadMessage{ID: b.nextID("msg"), Role: "user", Text: text})
	return nil
}

func (b *Backend) StartRun(_ context.Context, threadID, _ string, _ map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["StartRun"]++
	id := b.nextID("run")
	b.runs[id] = 0
	return id, nil
}

func (b *Backend) RunStatus(ctx context.Context, threadID, runID string) (assistant.RunStatus, error) {
	b.mu.Lock()
	delay := b.StatusDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["RunStatus"]++
	polls, ok := b.runs[runID]
	if !ok {
		return "", fmt.Errorf("run %s not found", runID)
	}
	polls++
	b.runs[runID] = polls
	if b.NeverComplete || polls <= b.PollsToComplete {
		return assistant.RunInProgress, nil
	}

	status := b.FinalStatus
	if status == "" {
		status = assistant.RunCompleted
	}
	if status == assistant.RunCompleted && polls == b.PollsToComplete+1 && b.ReplyRole != "" {
		msg := assistant.ThreadMessage{ID: b.nextID("msg"), Role: b.ReplyRole, Text: b.Reply}
		b.threads[threadID] = append(b.threads[threadID], msg)
		b.replies[runID] = msg
	}
	return status, nil
}

func (b *Backend) RunReply(_ context.Context, _, runID string) (assistant.ThreadMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["RunReply"]++
	return b.replies[runID], nil
}
