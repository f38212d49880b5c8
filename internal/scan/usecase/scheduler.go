package usecase

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs background scans for stale accounts on a fixed cadence.
// Scheduled runs use a reduced result cap so they trickle through the
// provider quota instead of competing with manual scans.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	staleAfter   time.Duration
	cron         *cron.Cron
}

func NewScheduler(orchestrator *Orchestrator, interval, staleAfter time.Duration) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		interval:     interval,
		staleAfter:   staleAfter,
		cron:         cron.New(),
	}
}

// Start registers the periodic job and launches the cron loop. The
// per-account TryBeginSync gate makes overlapping runs harmless, so no
// job-level mutual exclusion is needed here.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("@every "+s.interval.String(), func() {
		s.runDue(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("[Scheduler] scheduled scans every %s (stale after %s)", s.interval, s.staleAfter)
	return nil
}

func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	log.Printf("[Scheduler] stopped")
}

func (s *Scheduler) runDue(ctx context.Context) {
	summaries, err := s.orchestrator.ScanAllDue(ctx, s.staleAfter, Options{
		// Smaller cap than manual scans; the scheduler comes back around.
		MaxResults:    100,
		PersistErrors: true,
	})
	if err != nil {
		log.Printf("[Scheduler] scan sweep failed: %v", err)
		return
	}
	for _, summary := range summaries {
		if summary == nil {
			continue
		}
		log.Printf("[Scheduler] account %s: processed=%d skipped=%d errors=%d",
			summary.AccountID, summary.Processed, summary.Skipped, summary.Errors)
	}
}
