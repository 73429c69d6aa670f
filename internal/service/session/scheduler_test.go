package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/tavern-relay/internal/mocks"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
	"github.com/zhouzirui/tavern-relay/internal/service/assistant"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
)

type recordingSink struct {
	mu       sync.Mutex
	saves    int
	sessions []chat.SessionRecord
}

func (s *recordingSink) SaveSnapshot(_ context.Context, sessions []chat.SessionRecord, _ []chat.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.sessions = sessions
	return nil
}

func (s *recordingSink) count() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves, len(s.sessions)
}

func TestSchedulerSweepsInBackground(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()
	coord.SelectPersona(ctx, 1, "riley")
	coord.Deactivate(ctx, 1)

	sched, err := session.NewScheduler(coord, nil, session.SchedulerConfig{SweepInterval: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewScheduler err: %v", err)
	}
	sched.Start()
	defer sched.Shutdown(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := coord.Status(ctx, 1); errors.Is(err, session.ErrSessionNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("inactive session was not swept")
}

func TestSchedulerShutdownWritesSnapshot(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	ctx := context.Background()
	coord.SelectPersona(ctx, 1, "riley")
	coord.SelectPersona(ctx, 2, "nika")

	sink := &recordingSink{}
	sched, err := session.NewScheduler(coord, sink, session.SchedulerConfig{
		SweepInterval:    time.Hour,
		SnapshotInterval: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewScheduler err: %v", err)
	}
	sched.Start()
	if err := sched.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown err: %v", err)
	}

	saves, sessions := sink.count()
	if saves != 1 || sessions != 2 {
		t.Fatalf("expected one snapshot of 2 sessions, got %d saves of %d", saves, sessions)
	}
}

func TestNewSchedulerRejectsZeroInterval(t *testing.T) {
	coord := newCoordinator(t, mocks.NewGateway())
	if _, err := session.NewScheduler(coord, nil, session.SchedulerConfig{}, nil); err == nil {
		t.Fatal("expected error for zero sweep interval")
	}
}

func TestDescribeWording(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{assistant.ErrTimeout, "Riley is still thinking about that one. Please try again in a moment."},
		{&assistant.RunError{RunID: "run_1", Status: assistant.RunFailed}, "Sorry, Riley is having some technical difficulties right now. Please try again later."},
		{assistant.ErrProtocol, "Sorry, Riley is having some technical difficulties right now. Please try again later."},
		{assistant.ErrRemoteUnavailable, "Riley can't be reached right now. Please try again in a little while."},
	}
	for _, tc := range cases {
		if got := session.Describe(tc.err, "Riley"); got != tc.want {
			t.Fatalf("Describe(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
	if session.Describe(nil, "Riley") != "" {
		t.Fatal("expected empty description for nil error")
	}
}
