package assistant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	"github.com/zhouzirui/tavern-relay/internal/metrics"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

const (
	// BotVersion tags every agent this service creates so that offline cleanup can find them.
	BotVersion = "1.0.0"

	DefaultPollInterval = time.Second
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBackoff = 500 * time.Millisecond
)

// Config tunes the gateway.
type Config struct {
	Model        string
	MaxRetries   int
	RetryBackoff time.Duration
	PollInterval time.Duration
	// RateLimit caps mutating remote calls per second. Zero disables the limiter.
	RateLimit float64
	RateBurst int
	// AgentTTL bounds how long an agent id stays cached. Zero keeps entries forever.
	AgentTTL time.Duration
}

// Gateway hides the remote agent/thread/run protocol behind three operations.
type Gateway struct {
	backend Backend
	cfg     Config
	agents  *cache.Cache
	flights singleflight.Group
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithMetrics records remote call latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// NewGateway wires a gateway over backend.
func NewGateway(backend Backend, cfg Config, opts ...Option) *Gateway {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	ttl := cache.NoExpiration
	if cfg.AgentTTL > 0 {
		ttl = cfg.AgentTTL
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	g := &Gateway{
		backend: backend,
		cfg:     cfg,
		agents:  cache.New(ttl, 10*time.Minute),
		limiter: limiter,
		log:     logging.For("assistant"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureAgent returns the remote agent for a persona, creating one when the cached id is
// missing or no longer resolves.
func (g *Gateway) EnsureAgent(ctx context.Context, p persona.Persona) (string, error) {
	if cached, ok := g.cachedAgent(p.ID); ok {
		started := time.Now()
		_, err := g.backend.RetrieveAgent(ctx, cached)
		g.metrics.ObserveRemote("retrieve_agent", started, err)
		if err == nil {
			return cached, nil
		}
		g.log.WithFields(logrus.Fields{"persona_id": p.ID, "agent_id": cached}).
			WithError(err).Warn("cached agent no longer retrievable, recreating")
		g.agents.Delete(p.ID)
	}

	v, err, _ := g.flights.Do(p.ID, func() (any, error) {
		if cached, ok := g.cachedAgent(p.ID); ok {
			return cached, nil
		}
		spec := AgentSpec{
			Name:         AgentName(p),
			Instructions: BuildInstructions(p),
			Model:        g.cfg.Model,
			Metadata: map[string]string{
				"persona_id":   p.ID,
				"persona_name": p.Name,
				"bot_version":  BotVersion,
			},
		}

		var agentID string
		err := g.withRetry(ctx, "create_agent", func(ctx context.Context) error {
			id, err := g.backend.CreateAgent(ctx, spec)
			if err != nil {
				return err
			}
			agentID = id
			return nil
		})
		if err != nil {
			return "", err
		}

		g.agents.Set(p.ID, agentID, cache.DefaultExpiration)
		g.log.WithFields(logrus.Fields{"persona_id": p.ID, "agent_id": agentID}).Info("created agent")
		return agentID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CreateThread opens a fresh thread for one user and persona.
func (g *Gateway) CreateThread(ctx context.Context, agentID string, userID int64, personaID string) (string, error) {
	metadata := map[string]string{
		"user_id":    strconv.FormatInt(userID, 10),
		"persona_id": personaID,
		"agent_id":   agentID,
	}

	var threadID string
	err := g.withRetry(ctx, "create_thread", func(ctx context.Context) error {
		id, err := g.backend.CreateThread(ctx, metadata)
		if err != nil {
			return err
		}
		threadID = id
		return nil
	})
	if err != nil {
		return "", err
	}

	g.log.WithFields(logrus.Fields{"user_id": userID, "persona_id": personaID, "thread_id": threadID}).Info("created thread")
	return threadID, nil
}

// SendAndAwait appends text to the thread, starts a run and waits for its reply. When the
// deadline passes the remote run is left running and ErrTimeout is returned.
func (g *Gateway) SendAndAwait(ctx context.Context, threadID, agentID, text string, userID int64, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	metadata := map[string]string{"user_id": strconv.FormatInt(userID, 10)}
	fields := logrus.Fields{"user_id": userID, "thread_id": threadID, "agent_id": agentID}

	if err := g.call(ctx, "add_message", func(ctx context.Context) error {
		return g.backend.AddUserMessage(ctx, threadID, text, metadata)
	}); err != nil {
		g.log.WithFields(fields).WithError(err).Error("failed to add message")
		return "", fmt.Errorf("%w: add message: %w", ErrRemoteUnavailable, err)
	}

	var runID string
	if err := g.call(ctx, "start_run", func(ctx context.Context) error {
		id, err := g.backend.StartRun(ctx, threadID, agentID, metadata)
		runID = id
		return err
	}); err != nil {
		g.log.WithFields(fields).WithError(err).Error("failed to start run")
		return "", fmt.Errorf("%w: start run: %w", ErrRemoteUnavailable, err)
	}
	fields["run_id"] = runID

	reply, err := g.awaitRun(ctx, threadID, runID, timeout)
	switch {
	case err == nil:
		g.log.WithFields(fields).Info("run completed")
	case errors.Is(err, ErrTimeout):
		g.log.WithFields(fields).Warn("run timed out, leaving it to finish remotely")
	case errors.Is(err, ErrProtocol):
		g.log.WithFields(fields).WithError(err).Error("completed run without assistant text")
	default:
		g.log.WithFields(fields).WithError(err).Error("run did not complete")
	}
	return reply, err
}

// awaitRun polls under a context bounded by timeout, so a status or message call that hangs
// is cut off at the deadline too.
func (g *Gateway) awaitRun(ctx context.Context, threadID, runID string, timeout time.Duration) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	timedOut := func(err error) (string, error) {
		if ctx.Err() == nil && pollCtx.Err() != nil {
			return "", fmt.Errorf("%w: run %s after %s", ErrTimeout, runID, timeout)
		}
		return "", err
	}

	for {
		select {
		case <-pollCtx.Done():
			return timedOut(ctx.Err())
		case <-ticker.C:
		}

		started := time.Now()
		status, err := g.backend.RunStatus(pollCtx, threadID, runID)
		g.metrics.ObserveRemote("run_status", started, err)
		if err != nil {
			return timedOut(fmt.Errorf("%w: run status: %w", ErrRemoteUnavailable, err))
		}

		switch {
		case status == RunCompleted:
			reply, err := g.readReply(pollCtx, threadID, runID)
			if err != nil {
				return timedOut(err)
			}
			return reply, nil
		case status.Unsuccessful():
			return "", &RunError{RunID: runID, Status: status}
		}
	}
}

func (g *Gateway) readReply(ctx context.Context, threadID, runID string) (string, error) {
	started := time.Now()
	msg, err := g.backend.RunReply(ctx, threadID, runID)
	g.metrics.ObserveRemote("run_reply", started, err)
	if err != nil {
		return "", fmt.Errorf("%w: read reply: %w", ErrRemoteUnavailable, err)
	}
	if msg.Role != "assistant" || msg.Text == "" {
		return "", fmt.Errorf("%w: thread %s run %s", ErrProtocol, threadID, runID)
	}
	return msg.Text, nil
}

// DeleteThread removes a thread. Failures are logged and reported as false.
func (g *Gateway) DeleteThread(ctx context.Context, threadID string) bool {
	if threadID == "" {
		return false
	}
	err := g.call(ctx, "delete_thread", func(ctx context.Context) error {
		return g.backend.DeleteThread(ctx, threadID)
	})
	if err != nil {
		g.log.WithField("thread_id", threadID).WithError(err).Warn("failed to delete thread")
		return false
	}
	g.log.WithField("thread_id", threadID).Info("deleted thread")
	return true
}

// ListAgents returns the remote agents created by this service.
func (g *Gateway) ListAgents(ctx context.Context) ([]Agent, error) {
	started := time.Now()
	all, err := g.backend.ListAgents(ctx)
	g.metrics.ObserveRemote("list_agents", started, err)
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %w", ErrRemoteUnavailable, err)
	}

	owned := make([]Agent, 0, len(all))
	for _, a := range all {
		if a.Metadata["bot_version"] != "" {
			owned = append(owned, a)
		}
	}
	return owned, nil
}

// CleanupAgents deletes every agent created by this service and clears the cache. It
// returns how many were deleted.
func (g *Gateway) CleanupAgents(ctx context.Context) (int, error) {
	agents, err := g.ListAgents(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	deleted := 0
	for _, a := range agents {
		err := g.call(ctx, "delete_agent", func(ctx context.Context) error {
			return g.backend.DeleteAgent(ctx, a.ID)
		})
		if err != nil {
			g.log.WithField("agent_id", a.ID).WithError(err).Warn("failed to delete agent")
			errs = append(errs, fmt.Errorf("agent %s: %w", a.ID, err))
			continue
		}
		deleted++
	}
	g.agents.Flush()

	g.log.WithField("deleted", deleted).Info("agent cleanup finished")
	return deleted, errors.Join(errs...)
}

func (g *Gateway) cachedAgent(personaID string) (string, bool) {
	v, ok := g.agents.Get(personaID)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

// call performs one rate-limited remote call and records its latency.
func (g *Gateway) call(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	err := fn(ctx)
	g.metrics.ObserveRemote(name, started, err)
	return err
}

// withRetry runs fn up to MaxRetries times with a linearly growing pause between attempts.
func (g *Gateway) withRetry(ctx context.Context, name string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		lastErr = g.call(ctx, name, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		g.log.WithFields(logrus.Fields{"call": name, "attempt": attempt}).WithError(lastErr).Warn("remote call failed")
		if attempt == g.cfg.MaxRetries {
			break
		}

		pause := time.NewTimer(time.Duration(attempt) * g.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			pause.Stop()
			return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, name, ctx.Err())
		case <-pause.C:
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoteUnavailable, name, lastErr)
}
