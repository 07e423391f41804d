/**
 * @description
 * Cron scheduler setup for the reconciliation sweep.
 */
package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the reconciliation sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	service  *Service
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		service:  service,
		schedule: schedule,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule reconcile sweep\" schedule=%q err=%v", s.schedule, err)
	} else {
		log.Printf("level=info component=scheduler msg=\"scheduled reconcile sweep\" schedule=%q", s.schedule)
	}

	s.cron.Start()
}

func (s *Scheduler) runSweep() {
	ctx := context.Background()
	if _, err := s.service.ReconcilePendingPayments(ctx); err != nil {
		log.Printf("level=error component=scheduler msg=\"reconcile sweep failed\" err=%v", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
