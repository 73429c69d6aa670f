package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	"github.com/zhouzirui/tavern-relay/internal/metrics"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
)

const (
	DefaultSessionTimeout   = time.Hour
	DefaultAssistantTimeout = 30 * time.Second
	DefaultMaxHistory       = 20

	// MaxMessageLength bounds inbound message text in characters.
	MaxMessageLength = 4000
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrInconsistentSession is raised when a session breaks the agent/thread pairing.
	ErrInconsistentSession = chat.ErrInconsistentSession
)

// Assistant is the part of the remote gateway the coordinator drives.
type Assistant interface {
	EnsureAgent(ctx context.Context, p persona.Persona) (string, error)
	CreateThread(ctx context.Context, agentID string, userID int64, personaID string) (string, error)
	SendAndAwait(ctx context.Context, threadID, agentID, text string, userID int64, timeout time.Duration) (string, error)
	DeleteThread(ctx context.Context, threadID string) bool
}

// Config holds the coordinator tunables.
type Config struct {
	SessionTimeout   time.Duration
	AssistantTimeout time.Duration
	MaxHistory       int
}

// Coordinator owns every session and serialises operations per user.
type Coordinator struct {
	personas  persona.Store
	assistant Assistant
	store     *Store
	locks     *userLocks
	cfg       Config
	now       func() time.Time
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator wires a coordinator. A nil store gets a fresh one.
func NewCoordinator(personas persona.Store, assistant Assistant, store *Store, cfg Config, opts ...Option) *Coordinator {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.AssistantTimeout <= 0 {
		cfg.AssistantTimeout = DefaultAssistantTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if store == nil {
		store = NewStore()
	}

	c := &Coordinator{
		personas:  personas,
		assistant: assistant,
		store:     store,
		locks:     newUserLocks(),
		cfg:       cfg,
		now:       time.Now,
		log:       logging.For("session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.TrackSessions(store.Len)
	return c
}

// Persona resolves a persona id against the registry.
func (c *Coordinator) Persona(id string) (persona.Persona, error) {
	p, ok := c.personas.FindByID(id)
	if !ok {
		return persona.Persona{}, fmt.Errorf("%w: %s", persona.ErrNotFound, id)
	}
	return p, nil
}

// SelectPersona binds the user to a persona with a fresh remote thread. Selecting the
// persona a ready session already uses does nothing. The new agent and thread are obtained
// before the previous epoch is torn down, so a remote failure leaves the session as it was.
func (c *Coordinator) SelectPersona(ctx context.Context, userID int64, personaID string) (sess chat.Session, err error) {
	defer func() { c.metrics.ObserveOperation("select_persona", err) }()

	if err := validateUser(userID); err != nil {
		return chat.Session{}, err
	}
	p, err := c.Persona(personaID)
	if err != nil {
		return chat.Session{}, err
	}

	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return chat.Session{}, err
	}
	defer unlock()

	sess = c.loadOrCreate(userID)
	fields := logrus.Fields{"user_id": userID, "persona_id": p.ID}

	if sess.PersonaID == p.ID && sess.Ready() && sess.Consistent() {
		sess.Active = true
		sess.Touch(c.now())
		c.store.Put(sess)
		c.log.WithFields(fields).Debug("persona already selected")
		return sess, nil
	}

	agentID, err := c.assistant.EnsureAgent(ctx, p)
	if err != nil {
		c.log.WithFields(fields).WithError(err).Error("failed to ensure agent")
		return sess, err
	}
	threadID, err := c.assistant.CreateThread(ctx, agentID, userID, p.ID)
	if err != nil {
		c.log.WithFields(fields).WithError(err).Error("failed to create thread")
		return sess, err
	}

	c.discardEpoch(ctx, &sess)

	now := c.now()
	conv := chat.NewConversation(userID, p.ID, now)
	sess.PersonaID = p.ID
	sess.AgentID = agentID
	sess.ThreadID = threadID
	sess.ConversationID = conv.ID
	sess.Active = true
	sess.Touch(now)

	c.store.PutConversation(conv)
	c.store.Put(sess)

	fields["thread_id"] = threadID
	c.log.WithFields(fields).Info("persona selected")
	return sess, nil
}

// SendMessage relays text to the user's current thread. ready is false, with a nil error,
// when no persona has been selected yet. The user message stays in the local log even when
// the remote call fails.
func (c *Coordinator) SendMessage(ctx context.Context, userID int64, text string) (reply string, ready bool, err error) {
	defer func() { c.metrics.ObserveOperation("send_message", err) }()

	if err := validateUser(userID); err != nil {
		return "", false, err
	}
	if err := validateText(text); err != nil {
		return "", false, err
	}

	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	sess := c.loadOrCreate(userID)
	fields := logrus.Fields{"user_id": userID, "session_id": sess.ID}

	if !sess.Consistent() {
		c.log.WithFields(fields).Error("session has a half-set agent/thread pair")
		return "", false, fmt.Errorf("%w: user %d", ErrInconsistentSession, userID)
	}
	if !sess.Ready() {
		sess.Touch(c.now())
		c.store.Put(sess)
		return "", false, nil
	}
	if sess.ConversationID == "" || !c.store.HasConversation(sess.ConversationID) {
		c.log.WithFields(fields).Error("ready session has no conversation")
		return "", true, fmt.Errorf("%w: user %d has no conversation", ErrInconsistentSession, userID)
	}

	if _, err := c.store.Append(sess.ConversationID, chat.RoleUser, text, c.now()); err != nil {
		return "", true, fmt.Errorf("append user message: %w", err)
	}
	sess.Touch(c.now())
	c.store.Put(sess)

	reply, err = c.assistant.SendAndAwait(ctx, sess.ThreadID, sess.AgentID, text, userID, c.cfg.AssistantTimeout)
	if err != nil {
		return "", true, err
	}

	if _, err := c.store.Append(sess.ConversationID, chat.RoleAssistant, reply, c.now()); err != nil {
		return "", true, fmt.Errorf("append assistant message: %w", err)
	}
	sess.Touch(c.now())
	c.store.Put(sess)
	return reply, true, nil
}

// Reset clears the conversation and remote thread while keeping the selected persona.
func (c *Coordinator) Reset(ctx context.Context, userID int64) (err error) {
	defer func() { c.metrics.ObserveOperation("reset", err) }()

	if err := validateUser(userID); err != nil {
		return err
	}
	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	sess := c.loadOrCreate(userID)
	c.discardEpoch(ctx, &sess)
	sess.Touch(c.now())
	c.store.Put(sess)

	c.log.WithFields(logrus.Fields{"user_id": userID, "persona_id": sess.PersonaID}).Info("session reset")
	return nil
}

// SweepExpired removes sessions that are inactive or idle for longer than timeout, together
// with their conversations. Remote threads are left alone. A non-positive timeout uses the
// configured session timeout.
func (c *Coordinator) SweepExpired(ctx context.Context, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = c.cfg.SessionTimeout
	}
	now := c.now()

	removed := 0
	for _, userID := range c.store.UserIDs() {
		if sess, ok := c.store.Get(userID); !ok || !sess.Expired(now, timeout) {
			continue
		}

		unlock, err := c.locks.acquire(ctx, userID)
		if err != nil {
			break
		}
		if sess, ok := c.store.Get(userID); ok && sess.Expired(now, timeout) {
			c.store.Delete(userID)
			removed++
			c.log.WithFields(logrus.Fields{"user_id": userID, "thread_id": sess.ThreadID}).Debug("session expired")
		}
		unlock()
	}

	if removed > 0 {
		c.log.WithField("removed", removed).Info("expired sessions swept")
	}
	c.metrics.AddSwept(removed)
	return removed
}

// Status describes one user's session.
type Status struct {
	SessionID    string     `json:"sessionId"`
	UserID       int64      `json:"userId"`
	PersonaID    string     `json:"personaId,omitempty"`
	MessageCount int        `json:"messageCount"`
	State        chat.State `json:"state"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Active       bool       `json:"active"`
}

func (c *Coordinator) Status(ctx context.Context, userID int64) (Status, error) {
	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	defer unlock()

	sess, ok := c.store.Get(userID)
	if !ok {
		return Status{}, fmt.Errorf("%w: user %d", ErrSessionNotFound, userID)
	}
	return Status{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		PersonaID:    sess.PersonaID,
		MessageCount: c.store.MessageCount(sess.ConversationID),
		State:        sess.State(c.now(), c.cfg.SessionTimeout),
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		Active:       sess.Active,
	}, nil
}

// History returns the latest limit messages of the current epoch. A non-positive limit
// uses MaxHistory.
func (c *Coordinator) History(ctx context.Context, userID int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = c.cfg.MaxHistory
	}
	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, ok := c.store.Get(userID)
	if !ok {
		return nil, fmt.Errorf("%w: user %d", ErrSessionNotFound, userID)
	}
	return c.store.Messages(sess.ConversationID, limit), nil
}

// Deactivate marks the session inactive so the next sweep removes it.
func (c *Coordinator) Deactivate(ctx context.Context, userID int64) (err error) {
	defer func() { c.metrics.ObserveOperation("deactivate", err) }()

	unlock, err := c.locks.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	sess, ok := c.store.Get(userID)
	if !ok {
		return fmt.Errorf("%w: user %d", ErrSessionNotFound, userID)
	}
	sess.Active = false
	c.store.Put(sess)
	return nil
}

// Stats summarises all sessions.
func (c *Coordinator) Stats() Stats {
	return c.store.Stats()
}

// Snapshot flattens every session and conversation, taking each user's lock in turn.
func (c *Coordinator) Snapshot(ctx context.Context) ([]chat.SessionRecord, []chat.MessageRecord, error) {
	var sessions []chat.SessionRecord
	var messages []chat.MessageRecord
	for _, userID := range c.store.UserIDs() {
		unlock, err := c.locks.acquire(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		rec, msgs, ok := c.store.Records(userID)
		unlock()
		if !ok {
			continue
		}
		sessions = append(sessions, rec)
		messages = append(messages, msgs...)
	}
	return sessions, messages, nil
}

// Restore loads persisted records. Records that fail validation are skipped and logged.
// It returns the number of sessions restored.
func (c *Coordinator) Restore(ctx context.Context, sessions []chat.SessionRecord, messages []chat.MessageRecord) (int, error) {
	byConversation := make(map[string][]chat.MessageRecord)
	for _, m := range messages {
		byConversation[m.ConversationID] = append(byConversation[m.ConversationID], m)
	}

	restored := 0
	for _, rec := range sessions {
		sess, err := chat.SessionFromRecord(rec)
		if err != nil {
			c.log.WithField("user_id", rec.UserID).WithError(err).Warn("skipping session record")
			continue
		}

		var conv *chat.Conversation
		if sess.ConversationID != "" {
			conv, err = chat.ConversationFromRecords(sess, byConversation[sess.ConversationID])
			if err != nil {
				c.log.WithField("user_id", rec.UserID).WithError(err).Warn("skipping session with broken conversation")
				continue
			}
		}

		unlock, err := c.locks.acquire(ctx, sess.UserID)
		if err != nil {
			return restored, err
		}
		if conv != nil {
			c.store.PutConversation(conv)
		}
		c.store.Put(sess)
		unlock()
		restored++
	}

	c.log.WithField("sessions", restored).Info("sessions restored")
	return restored, nil
}

// discardEpoch deletes the remote thread best-effort and drops the local conversation.
func (c *Coordinator) discardEpoch(ctx context.Context, sess *chat.Session) {
	if sess.ThreadID != "" && !c.assistant.DeleteThread(ctx, sess.ThreadID) {
		c.log.WithFields(logrus.Fields{"user_id": sess.UserID, "thread_id": sess.ThreadID}).Warn("old thread left behind")
	}
	c.store.DropConversation(sess.ConversationID)
	sess.ClearEpoch()
}

func (c *Coordinator) loadOrCreate(userID int64) chat.Session {
	if sess, ok := c.store.Get(userID); ok {
		return sess
	}
	sess := chat.NewSession(userID, c.now())
	c.store.Put(sess)
	c.log.WithFields(logrus.Fields{"user_id": userID, "session_id": sess.ID}).Debug("session created")
	return sess
}

func validateUser(userID int64) error {
	if userID < 0 {
		return fmt.Errorf("%w: user id must be non-negative", ErrInvalidInput)
	}
	return nil
}

func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrInvalidInput, MaxMessageLength)
	}
	return nil
}
