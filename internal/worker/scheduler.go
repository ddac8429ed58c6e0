package worker

import (
	"context"
	"errors"
	"time"

	"assetsync/internal/database"
	"assetsync/internal/models"

	"github.com/rs/zerolog"
)

// Scheduler fires sync runs on a fixed interval for every organization with
// claimable work. It is a pure trigger: the worker processes a scheduled run
// and a manual one identically.
type Scheduler struct {
	db       *database.DB
	worker   *Worker
	interval time.Duration
	logger   zerolog.Logger
}

func NewScheduler(db *database.DB, worker *Worker, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		db:       db,
		worker:   worker,
		interval: interval,
		logger:   logger.With().Str("component", "sync_scheduler").Logger(),
	}
}

// Start runs the trigger loop until the context is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	orgs, err := s.db.OrganizationsWithDueWork(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("list organizations with due work")
		return
	}

	for _, org := range orgs {
		err := s.worker.TriggerAsync(ctx, org, models.TriggerScheduled)
		if errors.Is(err, ErrSyncAlreadyRunning) {
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("organization_id", org).Msg("trigger scheduled run")
		}
	}
}
