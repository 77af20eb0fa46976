package campaign

import (
	"context"
	"time"

	"github.com/voicelane/voicelane/pkg/logging"
)

// StaleSweeper times out call rows stuck in a live status and prunes
// expired rate windows.
type StaleSweeper interface {
	FailStale(ctx context.Context, olderThan time.Duration) (int64, error)
	PruneWindows(ctx context.Context, before time.Time) (int64, error)
}

type SupervisorConfig struct {
	// ScanInterval is how often the orphan scan runs after the startup
	// pass.
	ScanInterval time.Duration
	// OrphanThreshold is the heartbeat age past which a running campaign
	// counts as abandoned.
	OrphanThreshold time.Duration
	// StaleCallThreshold is the age past which a live call row with no
	// hangup is failed.
	StaleCallThreshold time.Duration
	// ShutdownGrace bounds how long Shutdown waits for in-flight dials.
	ShutdownGrace time.Duration
}

// Supervisor recovers work lost to container crashes. On startup and on
// every scan it adopts running campaigns whose heartbeat went stale and
// respawns their dial loops; it also fails call rows that never got a
// hangup and prunes old rate windows.
type Supervisor struct {
	store       *Store
	spawner     Spawner
	sweeper     StaleSweeper
	containerID string
	cfg         SupervisorConfig
	logger      *logging.Logger
}

func NewSupervisor(store *Store, spawner Spawner, sweeper StaleSweeper,
	containerID string, cfg SupervisorConfig, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.OrphanThreshold <= 0 {
		cfg.OrphanThreshold = 2 * time.Minute
	}
	if cfg.StaleCallThreshold <= 0 {
		cfg.StaleCallThreshold = 2 * time.Hour
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	return &Supervisor{
		store:       store,
		spawner:     spawner,
		sweeper:     sweeper,
		containerID: containerID,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run does one immediate recovery pass, then scans periodically until
// ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Supervisor) scan(ctx context.Context) {
	orphans, err := s.store.Orphans(ctx, s.cfg.OrphanThreshold)
	if err != nil {
		s.logger.Error("supervisor: orphan scan", "error", err)
	}
	for i := range orphans {
		c := &orphans[i]
		adopted, err := s.store.Adopt(ctx, c.ID, s.containerID, s.cfg.OrphanThreshold)
		if err != nil {
			s.logger.Error("supervisor: adopt", "campaign_id", c.ID, "error", err)
			continue
		}
		if !adopted {
			// A peer got there first, or the campaign left running.
			continue
		}
		s.logger.Info("supervisor: adopted orphaned campaign",
			"campaign_id", c.ID,
			"tenant_id", c.TenantID,
			"current_index", c.CurrentIndex,
			"previous_container", c.ContainerID)
		if s.spawner != nil {
			s.spawner.Spawn(c)
		}
	}

	if s.sweeper == nil {
		return
	}
	if n, err := s.sweeper.FailStale(ctx, s.cfg.StaleCallThreshold); err != nil {
		s.logger.Error("supervisor: fail stale calls", "error", err)
	} else if n > 0 {
		s.logger.Warn("supervisor: failed stale calls", "count", n)
	}
	if _, err := s.sweeper.PruneWindows(ctx, time.Now().UTC().Add(-time.Hour)); err != nil {
		s.logger.Error("supervisor: prune rate windows", "error", err)
	}
}

// Shutdown is the SIGTERM handoff: null the heartbeats of every campaign
// this container runs so peers adopt them promptly, then wait up to the
// grace period for local dial loops to checkpoint and exit.
func (s *Supervisor) Shutdown(wait func()) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	n, err := s.store.ClearHeartbeatsForContainer(ctx, s.containerID)
	if err != nil {
		s.logger.Error("supervisor: clear heartbeats on shutdown", "error", err)
	} else if n > 0 {
		s.logger.Info("supervisor: released campaigns for adoption", "count", n)
	}

	if wait == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("supervisor: shutdown grace elapsed with runners still active")
	}
}
