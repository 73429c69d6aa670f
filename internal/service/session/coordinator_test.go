package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/mocks"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/model/persona"
	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
)

func newRegistry(t *testing.T) *persona.Registry {
	t.Helper()
	reg, err := persona.NewRegistry(persona.Seed())
	if err != nil {
		t.Fatalf("NewRegistry err: %v", err)
	}
	return reg
}

func newCoordinator(t *testing.T, gw session.Assistant, opts ...session.Option) *session.Coordinator {
	t.Helper()
	return session.NewCoordinator(newRegistry(t), gw, session.NewStore(), session.Config{
		SessionTimeout:   time.Hour,
		AssistantTimeout: time.Second,
		MaxHistory:       20,
	}, opts...)
}

func TestSelectPersonaTwiceCreatesOneThread(t *testing.T) {
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw)
	ctx := context.Background()

	first, err := coord.SelectPersona(ctx, 42, "riley")
	if err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}
	second, err := coord.SelectPersona(ctx, 42, "riley")
	if err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}

	if gw.ThreadCalls() != 1 {
		t.Fatalf("expected one CreateThread call, got %d", gw.ThreadCalls())
	}
	if first.ThreadID != second.ThreadID {
		t.Fatalf("thread changed: %s -> %s", first.ThreadID, second.ThreadID)
	}
}

func TestSendMessageBeforeSelectionIsNotReady(t *testing.T) {
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw)

	reply, ready, err := coord.SendMessage(context.Background(), 7, "hello")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ready || reply != "" {
		t.Fatalf("expected not-ready signal, got ready=%v reply=%q", ready, reply)
	}
	if gw.SendCalls() != 0 {
		t.Fatal("gateway must not be called for a session without persona")
	}
}

func TestScenarioSelectAndChat(t *testing.T) {
	backend := mocks.NewBackend()
	gw := assistant.NewGateway(backend, assistant.Config{
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	coord := newCoordinator(t, gw)
	ctx := context.Background()

	sess, err := coord.SelectPersona(ctx, 42, "riley")
	if err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}
	if sess.AgentID == "" || sess.ThreadID == "" {
		t.Fatalf("expected agent and thread, got %+v", sess)
	}
	history, _ := coord.History(ctx, 42, 0)
	if len(history) != 0 {
		t.Fatalf("expected empty conversation, got %d", len(history))
	}

	reply, ready, err := coord.SendMessage(ctx, 42, "hello")
	if err != nil || !ready {
		t.Fatalf("SendMessage = %q, %v, %v", reply, ready, err)
	}
	if reply != "Test response from assistant" {
		t.Fatalf("unexpected reply %q", reply)
	}

	history, _ = coord.History(ctx, 42, 0)
	if len(history) != 2 || history[0].Role != chat.RoleUser || history[1].Role != chat.RoleAssistant {
		t.Fatalf("unexpected history: %+v", history)
	}
	if backend.Calls("CreateThread") != 1 {
		t.Fatalf("expected one remote thread, got %d", backend.Calls("CreateThread"))
	}
}

func TestResetClearsConversationAndKeepsPersona(t *testing.T) {
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw)
	ctx := context.Background()

	sess, _ := coord.SelectPersona(ctx, 5, "nika")
	if _, _, err := coord.SendMessage(ctx, 5, "hi"); err != nil {
		t.Fatalf("SendMessage err: %v", err)
	}

	if err := coord.Reset(ctx, 5); err != nil {
		t.Fatalf("Reset err: %v", err)
	}

	status, err := coord.Status(ctx, 5)
	if err != nil {
		t.Fatalf("Status err: %v", err)
	}
	if status.MessageCount != 0 {
		t.Fatalf("expected empty conversation, got %d", status.MessageCount)
	}
	if status.PersonaID != "nika" {
		t.Fatalf("persona changed to %q", status.PersonaID)
	}
	if deleted := gw.Deleted(); len(deleted) != 1 || deleted[0] != sess.ThreadID {
		t.Fatalf("expected old thread deleted, got %v", deleted)
	}

	if _, ready, _ := coord.SendMessage(ctx, 5, "hello?"); ready {
		t.Fatal("expected not-ready after reset")
	}
	if _, err := coord.SelectPersona(ctx, 5, "nika"); err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}
	if gw.ThreadCalls() != 2 {
		t.Fatalf("reselecting after reset must open a new thread, got %d calls", gw.ThreadCalls())
	}
}

func TestResetCreatesSessionLazily(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()

	if err := coord.Reset(ctx, 9); err != nil {
		t.Fatalf("Reset err: %v", err)
	}
	status, err := coord.Status(ctx, 9)
	if err != nil {
		t.Fatalf("Status err: %v", err)
	}
	if status.State != chat.StateUninitialized {
		t.Fatalf("expected uninitialized session, got %s", status.State)
	}
}

func TestSweepExpiredRemovesIdleSessions(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw, session.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	const timeout = 10 * time.Minute
	now = base.Add(-timeout - time.Second)
	if _, err := coord.SelectPersona(ctx, 1, "riley"); err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}
	now = base
	if _, err := coord.SelectPersona(ctx, 2, "riley"); err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}

	if removed := coord.SweepExpired(ctx, timeout); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := coord.Status(ctx, 1); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected stale session removed, got %v", err)
	}
	if _, err := coord.Status(ctx, 2); err != nil {
		t.Fatalf("expected fresh session kept, got %v", err)
	}
	if len(gw.Deleted()) != 0 {
		t.Fatal("sweep must not delete remote threads")
	}
	if stats := coord.Stats(); stats.Conversations != 1 {
		t.Fatalf("expected swept conversation dropped, got %d", stats.Conversations)
	}
}

func TestDeactivatedSessionIsSwept(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()

	coord.SelectPersona(ctx, 3, "coco")
	if err := coord.Deactivate(ctx, 3); err != nil {
		t.Fatalf("Deactivate err: %v", err)
	}
	if removed := coord.SweepExpired(ctx, time.Hour); removed != 1 {
		t.Fatalf("expected inactive session swept, got %d", removed)
	}
	if err := coord.Deactivate(ctx, 3); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSelectPersonaFailureLeavesStateUntouched(t *testing.T) {
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw)
	ctx := context.Background()

	before, _ := coord.SelectPersona(ctx, 11, "riley")
	coord.SendMessage(ctx, 11, "hello")

	gw.ThreadErr = assistant.ErrRemoteUnavailable
	if _, err := coord.SelectPersona(ctx, 11, "asha"); !errors.Is(err, assistant.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}

	status, _ := coord.Status(ctx, 11)
	if status.PersonaID != "riley" || status.MessageCount != 2 {
		t.Fatalf("prior state changed: %+v", status)
	}
	if len(gw.Deleted()) != 0 {
		t.Fatal("old thread must survive a failed selection")
	}

	gw.ThreadErr = nil
	after, err := coord.SelectPersona(ctx, 11, "asha")
	if err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}
	if deleted := gw.Deleted(); len(deleted) != 1 || deleted[0] != before.ThreadID {
		t.Fatalf("expected previous thread deleted, got %v", deleted)
	}
	if after.ConversationID == before.ConversationID {
		t.Fatal("expected a fresh conversation for the new persona")
	}
}

func TestSelectUnknownPersona(t *testing.T) {
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw)

	if _, err := coord.SelectPersona(context.Background(), 1, "ghost"); !errors.Is(err, persona.ErrNotFound) {
		t.Fatalf("expected persona.ErrNotFound, got %v", err)
	}
	if gw.EnsureCalls() != 0 {
		t.Fatal("no remote calls expected for an unknown persona")
	}
}

func TestSendMessageKeepsUserMessageOnFailure(t *testing.T) {
	gw := mocks.NewGateway()
	coord := newCoordinator(t, gw)
	ctx := context.Background()

	coord.SelectPersona(ctx, 8, "imane")
	gw.SetSendErr(assistant.ErrTimeout)

	_, ready, err := coord.SendMessage(ctx, 8, "are you there?")
	if !ready || !errors.Is(err, assistant.ErrTimeout) {
		t.Fatalf("expected ready timeout, got ready=%v err=%v", ready, err)
	}

	history, _ := coord.History(ctx, 8, 0)
	if len(history) != 1 || history[0].Content != "are you there?" {
		t.Fatalf("expected only the user message, got %+v", history)
	}
}

func TestSendMessageRejectsInvalidInput(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()

	if _, _, err := coord.SendMessage(ctx, 1, "   "); !errors.Is(err, session.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank text, got %v", err)
	}
	if _, _, err := coord.SendMessage(ctx, -1, "hi"); !errors.Is(err, session.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative user, got %v", err)
	}
}

func TestSendMessageFailsLoudlyOnHalfSetSession(t *testing.T) {
	store := session.NewStore()
	sess := chat.NewSession(4, time.Now())
	sess.PersonaID = "riley"
	sess.ThreadID = "thread_orphan"
	store.Put(sess)

	gw := mocks.NewGateway()
	coord := session.NewCoordinator(newRegistry(t), gw, store, session.Config{})

	if _, _, err := coord.SendMessage(context.Background(), 4, "hi"); !errors.Is(err, session.ErrInconsistentSession) {
		t.Fatalf("expected ErrInconsistentSession, got %v", err)
	}
	if gw.SendCalls() != 0 {
		t.Fatal("gateway must not be called for an inconsistent session")
	}
}

func TestStatusUnknownUser(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	if _, err := coord.Status(context.Background(), 404); !errors.Is(err, session.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHistoryHonoursLimit(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()

	coord.SelectPersona(ctx, 6, "riley")
	for _, text := range []string{"a", "b", "c"} {
		coord.SendMessage(ctx, 6, text)
	}

	history, err := coord.History(ctx, 6, 2)
	if err != nil {
		t.Fatalf("History err: %v", err)
	}
	if len(history) != 2 || history[0].Content != "c" {
		t.Fatalf("unexpected window: %+v", history)
	}
}

func TestOperationsForOneUserRunInOrder(t *testing.T) {
	gw := mocks.NewGateway()
	gw.SendDelay = 30 * time.Millisecond
	coord := newCoordinator(t, gw)
	ctx := context.Background()
	coord.SelectPersona(ctx, 1, "riley")

	texts := []string{"first", "second", "third", "fourth"}
	var wg sync.WaitGroup
	for _, text := range texts {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if _, _, err := coord.SendMessage(ctx, 1, text); err != nil {
				t.Errorf("SendMessage err: %v", err)
			}
		}(text)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	sent := gw.Sent()
	if len(sent) != len(texts) {
		t.Fatalf("expected %d sends, got %d", len(texts), len(sent))
	}
	for i := range texts {
		if sent[i] != texts[i] {
			t.Fatalf("sends out of order: %v", sent)
		}
	}

	history, _ := coord.History(ctx, 1, 0)
	for i := 0; i < len(history); i += 2 {
		if history[i].Role != chat.RoleUser || history[i+1].Role != chat.RoleAssistant {
			t.Fatalf("turns interleaved: %+v", history)
		}
	}
}

func TestConcurrentSelectPersonaKeepsOneThread(t *testing.T) {
	gw := mocks.NewGateway()
	gw.ThreadDelay = 30 * time.Millisecond
	coord := newCoordinator(t, gw)
	ctx := context.Background()

	personas := []string{"nika", "asha"}
	sessions := make([]chat.Session, len(personas))
	var wg sync.WaitGroup
	for i, id := range personas {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sess, err := coord.SelectPersona(ctx, 42, id)
			if err != nil {
				t.Errorf("SelectPersona(%s) err: %v", id, err)
			}
			sessions[i] = sess
		}(i, id)
	}
	wg.Wait()

	if got := gw.MaxConcurrentThreads(); got != 1 {
		t.Fatalf("expected thread creation serialized, saw %d at once", got)
	}
	if got := gw.ThreadCalls(); got != 2 {
		t.Fatalf("expected 2 threads created, got %d", got)
	}
	deleted := gw.Deleted()
	if len(deleted) != 1 {
		t.Fatalf("expected exactly one old thread deleted, got %v", deleted)
	}
	var live chat.Session
	switch deleted[0] {
	case sessions[0].ThreadID:
		live = sessions[1]
	case sessions[1].ThreadID:
		live = sessions[0]
	default:
		t.Fatalf("deleted thread %s belongs to neither selection", deleted[0])
	}
	if live.ThreadID == deleted[0] {
		t.Fatalf("live thread %s was deleted", live.ThreadID)
	}

	status, err := coord.Status(ctx, 42)
	if err != nil {
		t.Fatalf("Status err: %v", err)
	}
	if status.PersonaID != live.PersonaID || status.State != chat.StateReady {
		t.Fatalf("expected %s ready, got %+v", live.PersonaID, status)
	}
	if stats := coord.Stats(); stats.Sessions != 1 || stats.Conversations != 1 {
		t.Fatalf("expected one session with one conversation, got %+v", stats)
	}
}

func TestDifferentUsersProceedConcurrently(t *testing.T) {
	gw := mocks.NewGateway()
	gw.SendDelay = 100 * time.Millisecond
	coord := newCoordinator(t, gw)
	ctx := context.Background()
	coord.SelectPersona(ctx, 1, "riley")
	coord.SelectPersona(ctx, 2, "nika")

	started := time.Now()
	var wg sync.WaitGroup
	for _, user := range []int64{1, 2} {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			coord.SendMessage(ctx, user, "hello")
		}(user)
	}
	wg.Wait()

	if elapsed := time.Since(started); elapsed >= 190*time.Millisecond {
		t.Fatalf("users were serialised: took %s", elapsed)
	}
}

func TestWaitingForBusyUserHonoursContext(t *testing.T) {
	gw := mocks.NewGateway()
	gw.SendDelay = 200 * time.Millisecond
	coord := newCoordinator(t, gw)
	ctx := context.Background()
	coord.SelectPersona(ctx, 1, "riley")

	go coord.SendMessage(ctx, 1, "slow")
	time.Sleep(20 * time.Millisecond)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := coord.Status(waitCtx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while user is busy, got %v", err)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	gw := mocks.NewGateway()
	source := newCoordinator(t, gw)
	ctx := context.Background()

	original, _ := source.SelectPersona(ctx, 42, "riley")
	source.SendMessage(ctx, 42, "hello")
	source.Reset(ctx, 43)

	sessions, messages, err := source.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot err: %v", err)
	}
	if len(sessions) != 2 || len(messages) != 2 {
		t.Fatalf("unexpected snapshot sizes: %d sessions, %d messages", len(sessions), len(messages))
	}

	target := newCoordinator(t, gw)
	restored, err := target.Restore(ctx, sessions, messages)
	if err != nil || restored != 2 {
		t.Fatalf("Restore = %d, %v", restored, err)
	}

	status, err := target.Status(ctx, 42)
	if err != nil {
		t.Fatalf("Status err: %v", err)
	}
	if status.PersonaID != "riley" || status.MessageCount != 2 || status.SessionID != original.ID {
		t.Fatalf("unexpected restored status: %+v", status)
	}

	if _, err := target.SelectPersona(ctx, 42, "riley"); err != nil {
		t.Fatalf("SelectPersona err: %v", err)
	}
	if gw.ThreadCalls() != 1 {
		t.Fatalf("restored session should keep its thread, got %d thread calls", gw.ThreadCalls())
	}
}

func TestRestoreSkipsBrokenRecords(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	good := chat.NewSession(1, time.Now()).ToRecord()
	bad := chat.NewSession(2, time.Now()).ToRecord()
	bad.PersonaID = "riley"
	bad.AgentID = "asst_only"

	restored, err := coord.Restore(context.Background(), []chat.SessionRecord{good, bad}, nil)
	if err != nil {
		t.Fatalf("Restore err: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 restored, got %d", restored)
	}
}

func TestStatsCountsPersonaUsage(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()

	coord.SelectPersona(ctx, 1, "riley")
	coord.SelectPersona(ctx, 2, "riley")
	coord.SelectPersona(ctx, 3, "nika")
	coord.SendMessage(ctx, 1, "hi")

	stats := coord.Stats()
	if stats.Sessions != 3 || stats.ReadySessions != 3 || stats.Messages != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PersonaUsage["riley"] != 2 || stats.PersonaUsage["nika"] != 1 {
		t.Fatalf("unexpected persona usage: %v", stats.PersonaUsage)
	}
}
