package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

// Gateway is a fake of the coordinator's view of the assistant gateway.
type Gateway struct {
	mu sync.Mutex

	Reply     string
	EnsureErr error
	ThreadErr error
	SendErr   error
	// SendDelay holds SendAndAwait before it answers.
	SendDelay time.Duration
	// ThreadDelay holds CreateThread before it answers.
	ThreadDelay time.Duration

	ensureCalls int
	threadCalls int
	sendCalls   int
	deleted     []string
	inFlight    int
	maxInFlight int
	sent        []string
	seq         int
}

func NewGateway() *Gateway {
	return &Gateway{Reply: DefaultReply}
}

func (g *Gateway) EnsureAgent(_ context.Context, p persona.Persona) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureCalls++
	if g.EnsureErr != nil {
		return "", g.EnsureErr
	}
	return "asst_" + p.ID, nil
}

func (g *Gateway) CreateThread(ctx context.Context, _ string, userID int64, personaID string) (string, error) {
	g.mu.Lock()
	delay := g.ThreadDelay
	g.inFlight++
	if g.inFlight > g.maxInFlight {
		g.maxInFlight = g.inFlight
	}
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.threadCalls++
	if g.ThreadErr != nil {
		return "", g.ThreadErr
	}
	g.seq++
	return fmt.Sprintf("thread_%d_%s_%d", userID, personaID, g.seq), nil
}

func (g *Gateway) SendAndAwait(ctx context.Context, _, _, text string, _ int64, _ time.Duration) (string, error) {
	g.mu.Lock()
	g.sendCalls++
	g.sent = append(g.sent, text)
	delay, reply, err := g.SendDelay, g.Reply, g.SendErr
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

func (g *Gateway) DeleteThread(_ context.Context, threadID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, threadID)
	return true
}

func (g *Gateway) EnsureCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureCalls
}

func (g *Gateway) ThreadCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threadCalls
}

func (g *Gateway) SendCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sendCalls
}

// Sent lists message texts in the order SendAndAwait received them.
func (g *Gateway) Sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.sent...)
}

func (g *Gateway) Deleted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deleted...)
}

// SetSendErr swaps the error returned by later sends.
func (g *Gateway) SetSendErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SendErr = err
}

// MaxConcurrentThreads reports the most CreateThread calls seen running at once.
func (g *Gateway) MaxConcurrentThreads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxInFlight
}
