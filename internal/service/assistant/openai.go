package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIBackend talks to the OpenAI Assistants API.
type OpenAIBackend struct {
	client *openai.Client
}

// NewOpenAIBackend builds a backend for apiKey. baseURL may be empty.
func NewOpenAIBackend(apiKey, baseURL string) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg)}, nil
}

func (b *OpenAIBackend) RetrieveAgent(ctx context.Context, agentID string) (Agent, error) {
	a, err := b.client.RetrieveAssistant(ctx, agentID)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
			return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return Agent{}, err
	}
	return agentFromOpenAI(a), nil
}

func (b *OpenAIBackend) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	name := spec.Name
	instructions := spec.Instructions
	a, err := b.client.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        spec.Model,
		Name:         &name,
		Instructions: &instructions,
		Metadata:     toAnyMap(spec.Metadata),
	})
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

func (b *OpenAIBackend) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := b.client.DeleteAssistant(ctx, agentID)
	return err
}

func (b *OpenAIBackend) ListAgents(ctx context.Context) ([]Agent, error) {
	limit := 100
	var after *string
	var out []Agent
	for {
		page, err := b.client.ListAssistants(ctx, &limit, nil, after, nil)
		if err != nil {
			return nil, err
		}
		for _, a := range page.Assistants {
			out = append(out, agentFromOpenAI(a))
		}
		if !page.HasMore || page.LastID == nil {
			return out, nil
		}
		after = page.LastID
	}
}

func (b *OpenAIBackend) CreateThread(ctx context.Context, metadata map[string]string) (string, error) {
	th, err := b.client.CreateThread(ctx, openai.ThreadRequest{Metadata: toAnyMap(metadata)})
	if err != nil {
		return "", err
	}
	return th.ID, nil
}

func (b *OpenAIBackend) DeleteThread(ctx context.Context, threadID string) error {
	_, err := b.client.DeleteThread(ctx, threadID)
	return err
}

func (b *OpenAIBackend) AddUserMessage(ctx context.Context, threadID, text string, metadata map[string]string) error {
	_, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:     string(openai.ThreadMessageRoleUser),
		Content:  text,
		Metadata: toAnyMap(metadata),
	})
	return err
}

func (b *OpenAIBackend) StartRun(ctx context.Context, threadID, agentID string, metadata map[string]string) (string, error) {
	run, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID: agentID,
		Metadata:    toAnyMap(metadata),
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (b *OpenAIBackend) RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error) {
	run, err := b.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return "", err
	}
	return RunStatus(run.Status), nil
}

func (b *OpenAIBackend) RunReply(ctx context.Context, threadID, runID string) (ThreadMessage, error) {
	limit := 1
	order := "desc"
	list, err := b.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return ThreadMessage{}, err
	}
	if len(list.Messages) == 0 {
		return ThreadMessage{}, nil
	}

	msg := list.Messages[0]
	out := ThreadMessage{ID: msg.ID, Role: msg.Role}
	for _, c := range msg.Content {
		if c.Type == "text" && c.Text != nil {
			out.Text = c.Text.Value
			break
		}
	}
	return out, nil
}

func agentFromOpenAI(a openai.Assistant) Agent {
	out := Agent{ID: a.ID, CreatedAt: a.CreatedAt, Metadata: map[string]string{}}
	if a.Name != nil {
		out.Name = *a.Name
	}
	for k, v := range a.Metadata {
		if s, ok := v.(string); ok {
			out.Metadata[k] = s
		}
	}
	return out
}

func toAnyMap(in map[string]string) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
