// Package scheduler drives the periodic expiration and reminder sweeps.
package scheduler

import (
	"context"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

// Scheduler runs the expiration/reminder sweeps on a fixed interval until
// its context is cancelled.
type Scheduler struct {
	svc       *service.ApprovalService
	interval  time.Duration
	batchSize int
	log       *logger.Logger
}

// New creates a Scheduler.
func New(svc *service.ApprovalService, interval time.Duration, batchSize int, log *logger.Logger) *Scheduler {
	return &Scheduler{svc: svc, interval: interval, batchSize: batchSize, log: log}
}

// Run blocks, sweeping every interval, until ctx is cancelled. One sweep runs
// at a time; a slow sweep delays the next tick instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Msg("Expiration scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Expiration scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	metrics.SweepRuns.Inc()

	expired, err := s.svc.SweepExpirations(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Expiration sweep failed")
	}

	reminded, err := s.svc.SweepReminders(ctx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Reminder sweep failed")
	}

	if expired > 0 || reminded > 0 {
		s.log.Info().
			Int("expired", expired).
			Int("reminded", reminded).
			Msg("Sweep completed")
	}
}
