// Package retention runs the periodic cleanup: old messages beyond the
// configured retention window and presence rows dead for over a week.
// Failures are logged, never fatal; blobs are never touched.
package retention

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/workshop/internal/persistence"
)

// Config holds the dependencies for the cleanup scheduler.
type Config struct {
	Store       *persistence.Store
	Logger      *slog.Logger
	MessageDays int
}

// Scheduler runs one cleanup at startup and then every hour.
type Scheduler struct {
	store       *persistence.Store
	logger      *slog.Logger
	messageDays int

	cron *cronlib.Cron
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:       cfg.Store,
		logger:      logger,
		messageDays: cfg.MessageDays,
	}
}

// Start runs an immediate cleanup pass and schedules the hourly loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.run(ctx)

	s.cron = cronlib.New()
	if _, err := s.cron.AddFunc("@hourly", func() { s.run(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("retention scheduler started", "message_days", s.messageDays)
	return nil
}

// Stop halts the schedule and waits for any in-flight run.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("retention: stop timed out waiting for running job")
	}
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	result, err := s.store.RunRetention(ctx, persistence.Now(), s.messageDays)
	if err != nil {
		s.logger.Error("retention: cleanup failed", "error", err)
		return
	}
	if result.PurgedMessages > 0 || result.PurgedPresence > 0 {
		s.logger.Info("retention: purged",
			"messages", result.PurgedMessages,
			"presence", result.PurgedPresence,
		)
	}
}
