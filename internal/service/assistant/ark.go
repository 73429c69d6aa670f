package assistant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/logging"
)

const (
	arkHistoryLimit = 20
	arkRunTimeout   = 2 * time.Minute
)

type completeFunc func(ctx context.Context, input map[string]any) (*schema.Message, error)

// ArkBackend emulates hosted agents, threads and runs on top of an Ark chat model.
// State lives in memory; runs execute in the background and are observed by polling.
type ArkBackend struct {
	complete completeFunc
	log      *logrus.Entry

	mu      sync.Mutex
	agents  map[string]*arkAgent
	threads map[string]*arkThread
	wg      sync.WaitGroup
}

type arkAgent struct {
	info         Agent
	instructions string
}

type arkThread struct {
	metadata map[string]string
	messages []ThreadMessage
	runs     map[string]RunStatus
	replies  map[string]ThreadMessage
	// current is the run answering the newest user message. A new user message clears it,
	// so a run that outlives its caller cannot write into the thread.
	current string
}

// NewArkBackend compiles the system/history/query chain around chatModel.
func NewArkBackend(ctx context.Context, chatModel model.ChatModel) (*ArkBackend, error) {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return newArkBackend(func(ctx context.Context, input map[string]any) (*schema.Message, error) {
		return runnable.Invoke(ctx, input)
	}), nil
}

func newArkBackend(complete completeFunc) *ArkBackend {
	return &ArkBackend{
		complete: complete,
		log:      logging.For("ark"),
		agents:   make(map[string]*arkAgent),
		threads:  make(map[string]*arkThread),
	}
}

func (b *ArkBackend) RetrieveAgent(_ context.Context, agentID string) (Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.info, nil
}

func (b *ArkBackend) CreateAgent(_ context.Context, spec AgentSpec) (string, error) {
	id := "asst_" + uuid.NewString()
	metadata := make(map[string]string, len(spec.Metadata))
	for k, v := range spec.Metadata {
		metadata[k] = v
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.agents[id] = &arkAgent{
		info:         Agent{ID: id, Name: spec.Name, Metadata: metadata, CreatedAt: time.Now().Unix()},
		instructions: spec.Instructions,
	}
	return id, nil
}

func (b *ArkBackend) DeleteAgent(_ context.Context, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(b.agents, agentID)
	return nil
}

func (b *ArkBackend) ListAgents(_ context.Context) ([]Agent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Agent, 0, len(b.agents))
	for _, a := range b.agents {
		out = append(out, a.info)
	}
	return out, nil
}

func (b *ArkBackend) CreateThread(_ context.Context, metadata map[string]string) (string, error) {
	id := "thread_" + uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads[id] = &arkThread{
		metadata: metadata,
		runs:     make(map[string]RunStatus),
		replies:  make(map[string]ThreadMessage),
	}
	return id, nil
}

func (b *ArkBackend) DeleteThread(_ context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[threadID]; !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	delete(b.threads, threadID)
	return nil
}

func (b *ArkBackend) AddUserMessage(_ context.Context, threadID, text string, _ map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s not found", threadID)
	}
	th.messages = append(th.messages, ThreadMessage{ID: "msg_" + uuid.NewString(), Role: "user", Text: text})
	th.current = ""
	return nil
}

// StartRun queues a run that answers the newest user message on the thread.
func (b *ArkBackend) StartRun(_ context.Context, threadID, agentID string, _ map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	th, ok := b.threads[threadID]
	if !ok {
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	agent, ok := b.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if len(th.messages) == 0 || th.messages[len(th.messages)-1].Role != "user" {
		return "", fmt.Errorf("thread %s has no pending user message", threadID)
	}

	runID := "run_" + uuid.NewString()
	th.runs[runID] = RunQueued
	th.current = runID
	input := buildRunInput(agent.instructions, th.messages)

	b.wg.Add(1)
	go b.execute(threadID, runID, input)
	return runID, nil
}

func (b *ArkBackend) execute(threadID, runID string, input map[string]any) {
	defer b.wg.Done()
	b.setRunStatus(threadID, runID, RunInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), arkRunTimeout)
	defer cancel()

	reply, err := b.complete(ctx, input)
	if err != nil || reply == nil {
		b.log.WithFields(logrus.Fields{"thread_id": threadID, "run_id": runID}).WithError(err).Error("chat model run failed")
		status := RunFailed
		if ctx.Err() != nil {
			status = RunExpired
		}
		b.setRunStatus(threadID, runID, status)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[threadID]
	if !ok {
		return
	}
	if th.current != runID {
		b.log.WithFields(logrus.Fields{"thread_id": threadID, "run_id": runID}).Info("discarding reply of superseded run")
		th.runs[runID] = RunCancelled
		return
	}
	msg := ThreadMessage{ID: "msg_" + uuid.NewString(), Role: "assistant", Text: reply.Content}
	th.messages = append(th.messages, msg)
	th.replies[runID] = msg
	th.runs[runID] = RunCompleted
}

func (b *ArkBackend) setRunStatus(threadID, runID string, status RunStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if th, ok := b.threads[threadID]; ok {
		th.runs[runID] = status
	}
}

func (b *ArkBackend) RunStatus(_ context.Context, threadID, runID string) (RunStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[threadID]
	if !ok {
		return "", fmt.Errorf("thread %s not found", threadID)
	}
	status, ok := th.runs[runID]
	if !ok {
		return "", fmt.Errorf("run %s not found", runID)
	}
	return status, nil
}

func (b *ArkBackend) RunReply(_ context.Context, threadID, runID string) (ThreadMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	th, ok := b.threads[threadID]
	if !ok {
		return ThreadMessage{}, fmt.Errorf("thread %s not found", threadID)
	}
	return th.replies[runID], nil
}

// Wait blocks until background runs have finished.
func (b *ArkBackend) Wait() {
	b.wg.Wait()
}

// buildRunInput maps a thread onto the chain variables. The last message is the query.
func buildRunInput(instructions string, messages []ThreadMessage) map[string]any {
	query := messages[len(messages)-1].Text
	prior := messages[:len(messages)-1]
	if len(prior) > arkHistoryLimit {
		prior = prior[len(prior)-arkHistoryLimit:]
	}

	history := make([]*schema.Message, 0, len(prior))
	for _, msg := range prior {
		switch msg.Role {
		case "user":
			history = append(history, schema.UserMessage(msg.Text))
		case "assistant":
			history = append(history, schema.AssistantMessage(msg.Text, nil))
		}
	}

	return map[string]any{
		"system":  instructions,
		"history": history,
		"query":   query,
	}
}
