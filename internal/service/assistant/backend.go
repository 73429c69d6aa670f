package assistant

import "context"

// RunStatus mirrors the lifecycle of a remote run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Unsuccessful reports whether the status is terminal without a reply.
func (s RunStatus) Unsuccessful() bool {
	switch s {
	case RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	default:
		return false
	}
}

// AgentSpec describes an agent to create.
type AgentSpec struct {
	Name         string
	Instructions string
	Model        string
	Metadata     map[string]string
}

// Agent is the remote view of a created agent.
type Agent struct {
	ID        string
	Name      string
	Metadata  map[string]string
	CreatedAt int64
}

// ThreadMessage is the latest message found on a thread.
type ThreadMessage struct {
	ID   string
	Role string
	Text string
}

// Backend is the wire boundary to a hosted-assistant service.
type Backend interface {
	RetrieveAgent(ctx context.Context, agentID string) (Agent, error)
	CreateAgent(ctx context.Context, spec AgentSpec) (string, error)
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]Agent, error)

	CreateThread(ctx context.Context, metadata map[string]string) (string, error)
	DeleteThread(ctx context.Context, threadID string) error

	AddUserMessage(ctx context.Context, threadID, text string, metadata map[string]string) error
	StartRun(ctx context.Context, threadID, agentID string, metadata map[string]string) (string, error)
	RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error)
	// RunReply returns the newest message produced by runID, or a zero value when it wrote none.
	RunReply(ctx context.Context, threadID, runID string) (ThreadMessage, error)
}
