package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/tavern-relay/internal/logging"
	"github.com/zhouzirui/tavern-relay/internal/metrics"
	"github.com/zhouzirui/tavern-relay/internal/model/chat"
)

const snapshotTimeout = 30 * time.Second

// SnapshotSink persists flattened sessions.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, sessions []chat.SessionRecord, messages []chat.MessageRecord) error
}

// SchedulerConfig controls the background jobs.
type SchedulerConfig struct {
	SweepInterval    time.Duration
	SnapshotInterval time.Duration
	// SessionTimeout is passed to every sweep. Zero uses the coordinator's timeout.
	SessionTimeout time.Duration
}

// Scheduler runs the expiry sweep and, with a sink, periodic snapshots.
type Scheduler struct {
	scheduler gocron.Scheduler
	coord     *Coordinator
	sink      SnapshotSink
	cfg       SchedulerConfig
	metrics   *metrics.Metrics
	log       *logrus.Entry
}

// NewScheduler registers the jobs without starting them. sink may be nil.
func NewScheduler(coord *Coordinator, sink SnapshotSink, cfg SchedulerConfig, m *metrics.Metrics) (*Scheduler, error) {
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", cfg.SweepInterval)
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: scheduler,
		coord:     coord,
		sink:      sink,
		cfg:       cfg,
		metrics:   m,
		log:       logging.For("scheduler"),
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(func() {
			s.coord.SweepExpired(context.Background(), s.cfg.SessionTimeout)
		}),
		gocron.WithName("session_sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, fmt.Errorf("failed to register sweep job: %w", err)
	}

	if sink != nil && cfg.SnapshotInterval > 0 {
		if _, err := scheduler.NewJob(
			gocron.DurationJob(cfg.SnapshotInterval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
				defer cancel()
				if err := s.SnapshotNow(ctx); err != nil {
					s.log.WithError(err).Error("snapshot failed")
				}
			}),
			gocron.WithName("session_snapshot"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("failed to register snapshot job: %w", err)
		}
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.log.WithFields(logrus.Fields{
		"sweep_interval":    s.cfg.SweepInterval.String(),
		"snapshot_interval": s.cfg.SnapshotInterval.String(),
		"snapshots":         s.sink != nil,
	}).Info("scheduler started")
}

// SnapshotNow writes the current sessions to the sink.
func (s *Scheduler) SnapshotNow(ctx context.Context) error {
	if s.sink == nil {
		return nil
	}
	sessions, messages, err := s.coord.Snapshot(ctx)
	if err == nil {
		err = s.sink.SaveSnapshot(ctx, sessions, messages)
	}
	s.metrics.ObserveSnapshot(err)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.log.WithFields(logrus.Fields{"sessions": len(sessions), "messages": len(messages)}).Debug("snapshot written")
	return nil
}

// Shutdown stops the jobs and writes a last snapshot.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return s.SnapshotNow(ctx)
}
