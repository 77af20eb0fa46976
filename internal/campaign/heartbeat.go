package campaign

import (
	"context"
	"time"

	"github.com/voicelane/voicelane/pkg/logging"
)

// Beater stamps liveness for the campaigns this container runs. One
// goroutine per campaign; a stopped beat is how peers learn a campaign
// is up for adoption.
type Beater struct {
	store       *Store
	containerID string
	interval    time.Duration
	logger      *logging.Logger
}

func NewBeater(store *Store, containerID string, interval time.Duration, logger *logging.Logger) *Beater {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Beater{store: store, containerID: containerID, interval: interval, logger: logger}
}

// Start begins heartbeating the campaign and returns a stop function.
// The beat dies on its own when the campaign leaves running; the stop
// function just ends the goroutine early.
func (b *Beater) Start(ctx context.Context, campaignID string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := b.store.Heartbeat(ctx, campaignID, b.containerID)
				if err != nil {
					b.logger.Warn("campaign: heartbeat write failed",
						"campaign_id", campaignID, "error", err)
					continue
				}
				if !ok {
					// Campaign left running; nothing more to stamp.
					return
				}
			}
		}
	}()
	return cancel
}
