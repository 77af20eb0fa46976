package campaign

import (
	"context"
	"errors"
	"time"

	"github.com/voicelane/voicelane/pkg/logging"
)

// Scheduler polls for scheduled campaigns whose start time arrived and
// asks the controller to start them. Every container runs one; the CAS
// in StartScheduled makes concurrent pollers harmless.
type Scheduler struct {
	store    *Store
	ctrl     *Controller
	interval time.Duration
	logger   *logging.Logger
}

func NewScheduler(store *Store, ctrl *Controller, interval time.Duration, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{store: store, ctrl: ctrl, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, starting due campaigns each tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
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
	due, err := s.store.DueScheduled(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler: list due campaigns", "error", err)
		return
	}
	for i := range due {
		c := &due[i]
		if err := s.ctrl.StartScheduled(ctx, c.ID); err != nil {
			var ite *IllegalTransitionError
			if errors.As(err, &ite) {
				// A peer's tick won the CAS. Expected.
				continue
			}
			s.logger.Error("scheduler: start campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		s.logger.Info("scheduler: started scheduled campaign",
			"campaign_id", c.ID, "tenant_id", c.TenantID)
	}
}
