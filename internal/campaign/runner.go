package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelane/voicelane/internal/calls"
	"github.com/voicelane/voicelane/internal/contacts"
	"github.com/voicelane/voicelane/internal/observability/metrics"
	"github.com/voicelane/voicelane/internal/provider"
	"github.com/voicelane/voicelane/internal/warmup"
	"github.com/voicelane/voicelane/pkg/logging"
)

// SlotReserver hands out concurrency slots; Reserve blocks until a slot
// frees or the admission timeout passes.
type SlotReserver interface {
	Reserve(ctx context.Context, call calls.ActiveCall, tenantCap int) error
}

// CallTracker is the slice of the call store the runner touches.
type CallTracker interface {
	SetProviderCallID(ctx context.Context, callUUID, providerCallID string) error
	Finish(ctx context.Context, q calls.Querier, callUUID string, status calls.Status, at time.Time) (bool, error)
	IncrementWindow(ctx context.Context, bucket string) (int, error)
}

// ContactReader fetches contacts by list position.
type ContactReader interface {
	ByPosition(ctx context.Context, listID string, position int) (*contacts.Contact, error)
}

// Dialer resolves the provider driver for a campaign.
type Dialer interface {
	ForCampaign(choice string) (provider.Driver, error)
}

// Warmer pre-heats bot pods before dialing begins.
type Warmer interface {
	Warm(ctx context.Context, botWSURL, agentID string, pods int) (warmup.Report, error)
}

type RunnerConfig struct {
	MaxCallsPerMinute  int
	SubsequentCallWait time.Duration
	DefaultTenantCap   int
	WarmupDisabled     bool

	// OverloadPauseAfter is how many consecutive global-saturation
	// admission timeouts the loop tolerates before pausing itself.
	OverloadPauseAfter int
}

// Runner is the dial loop. One invocation works one campaign from its
// persisted index to the end of the list, suspending cooperatively at
// rate windows, admission waits and the inter-call delay. All state it
// trusts lives in the store; the loop re-reads status before every dial
// so a pause or cancel from anywhere lands within one contact.
type Runner struct {
	store     *Store
	ctrl      *Controller
	tenants   TenantReader
	contacts  ContactReader
	callTrack CallTracker
	admission SlotReserver
	dialer    Dialer
	warmer    Warmer
	beater    *Beater
	metrics   *metrics.Metrics
	cfg       RunnerConfig
	logger    *logging.Logger
}

func NewRunner(store *Store, ctrl *Controller, tenantReader TenantReader, contactReader ContactReader,
	callTracker CallTracker, admission SlotReserver, dialer Dialer, warmer Warmer, beater *Beater,
	m *metrics.Metrics, cfg RunnerConfig, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.SubsequentCallWait <= 0 {
		cfg.SubsequentCallWait = time.Second
	}
	if cfg.DefaultTenantCap <= 0 {
		cfg.DefaultTenantCap = 10
	}
	if cfg.OverloadPauseAfter <= 0 {
		cfg.OverloadPauseAfter = 3
	}
	return &Runner{
		store:     store,
		ctrl:      ctrl,
		tenants:   tenantReader,
		contacts:  contactReader,
		callTrack: callTracker,
		admission: admission,
		dialer:    dialer,
		warmer:    warmer,
		beater:    beater,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run executes the dial loop for one campaign. It returns when the
// campaign reaches a terminal or paused state, or when ctx is cancelled
// (container shutdown; the index is already persisted).
func (r *Runner) Run(ctx context.Context, campaignID string) {
	cmp, err := r.store.Get(ctx, campaignID)
	if err != nil {
		r.logger.Error("runner: load campaign", "campaign_id", campaignID, "error", err)
		return
	}
	if cmp.Status != StatusRunning {
		r.logger.Info("runner: campaign not running, nothing to do",
			"campaign_id", campaignID, "status", string(cmp.Status))
		return
	}

	logger := r.logger.With("campaign_id", cmp.ID, "tenant_id", cmp.TenantID)
	r.metrics.RunnerStarted()
	defer r.metrics.RunnerStopped()

	driver, err := r.dialer.ForCampaign(cmp.Provider)
	if err != nil {
		_ = r.ctrl.Fail(ctx, cmp.ID, err.Error())
		return
	}

	tenant, err := r.tenants.Get(ctx, cmp.TenantID)
	if err != nil {
		_ = r.ctrl.Fail(ctx, cmp.ID, fmt.Sprintf("load tenant: %v", err))
		return
	}
	tenantCap := tenant.MaxConcurrentCalls
	if tenantCap <= 0 {
		tenantCap = r.cfg.DefaultTenantCap
	}

	assistantID := warmup.AssistantID(cmp.BotWSURL)

	if !r.cfg.WarmupDisabled && r.warmer != nil {
		if _, err := r.warmer.Warm(ctx, cmp.BotWSURL, assistantID, tenantCap); err != nil {
			if errors.Is(err, warmup.ErrAllPodsFailed) {
				_ = r.ctrl.Fail(ctx, cmp.ID, "bot warmup failed: no pod responded")
				return
			}
			logger.Warn("runner: warmup error, proceeding", "error", err)
		}
	}

	if r.beater != nil {
		stop := r.beater.Start(ctx, cmp.ID)
		defer stop()
	}

	logger.Info("runner: dial loop starting",
		"current_index", cmp.CurrentIndex,
		"total_contacts", cmp.TotalContacts,
		"provider", string(driver.Name()))

	globalOverloads := 0
	i := cmp.CurrentIndex
	for i < cmp.TotalContacts {
		if ctx.Err() != nil {
			_ = r.persistIndex(cmp.ID, i)
			return
		}

		// Fresh status read every iteration; pause and cancel land here.
		status, err := r.store.GetStatus(ctx, cmp.ID)
		if err != nil {
			logger.Error("runner: status re-read failed", "error", err)
			_ = r.ctrl.Fail(ctx, cmp.ID, fmt.Sprintf("status re-read: %v", err))
			return
		}
		if status != StatusRunning {
			logger.Info("runner: loop exiting on status", "status", string(status), "index", i)
			_ = r.store.PersistIndex(ctx, cmp.ID, i)
			return
		}

		balance, err := r.tenants.Balance(ctx, cmp.TenantID)
		if err != nil {
			logger.Error("runner: balance read failed", "error", err)
			_ = r.ctrl.Fail(ctx, cmp.ID, fmt.Sprintf("balance read: %v", err))
			return
		}
		if balance <= 0 {
			logger.Info("runner: balance exhausted, auto-pausing", "index", i, "balance", balance)
			_ = r.store.PersistIndex(ctx, cmp.ID, i)
			_ = r.ctrl.Pause(ctx, cmp.ID, "system", PauseReasonInsufficientBalance)
			return
		}

		if wait, ok := r.rateWindowWait(ctx, cmp.ID); ok {
			logger.Debug("runner: rate window full, sleeping", "wait", wait.String())
			if !sleepCtx(ctx, wait) {
				_ = r.persistIndex(cmp.ID, i)
				return
			}
			continue
		}

		contact, err := r.contacts.ByPosition(ctx, cmp.ListID, i)
		if err != nil || contact.Number == "" {
			// Undialable contact: count it failed and move on.
			logger.Warn("runner: contact not dialable", "index", i, "error", err)
			_ = r.store.RecordDialResult(ctx, cmp.ID, i+1, false)
			r.metrics.ObserveDial(string(driver.Name()), "skipped")
			i++
			continue
		}

		callUUID := uuid.NewString()
		reservation := calls.ActiveCall{
			CallUUID:    callUUID,
			TenantID:    cmp.TenantID,
			CampaignID:  cmp.ID,
			From:        cmp.FromNumber,
			To:          contact.Number,
			Status:      calls.StatusProcessed,
			Provider:    string(driver.Name()),
			AssistantID: assistantID,
			Contact:     contactMap(contact),
		}

		admitStart := time.Now()
		err = r.admission.Reserve(ctx, reservation, tenantCap)
		r.metrics.ObserveAdmissionWait(time.Since(admitStart).Seconds())
		if err != nil {
			switch {
			case errors.Is(err, calls.ErrGlobalSaturated):
				globalOverloads++
				logger.Warn("runner: global saturation", "consecutive", globalOverloads)
				if globalOverloads >= r.cfg.OverloadPauseAfter {
					_ = r.store.PersistIndex(ctx, cmp.ID, i)
					_ = r.ctrl.Pause(ctx, cmp.ID, "system", PauseReasonSystemOverloaded)
					return
				}
				continue
			case errors.Is(err, calls.ErrTenantSaturated):
				// The tenant's own calls are holding the slots; they
				// will end. Same index, next round.
				logger.Debug("runner: tenant saturated, retrying", "index", i)
				continue
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				_ = r.persistIndex(cmp.ID, i)
				return
			default:
				logger.Error("runner: admission failed", "error", err)
				_ = r.ctrl.Fail(ctx, cmp.ID, fmt.Sprintf("admission: %v", err))
				return
			}
		}
		globalOverloads = 0

		result, err := driver.Originate(ctx, provider.OriginateRequest{
			CallUUID:    callUUID,
			From:        cmp.FromNumber,
			To:          contact.Number,
			BotWSURL:    cmp.BotWSURL,
			TenantID:    cmp.TenantID,
			CampaignID:  cmp.ID,
			ListID:      cmp.ListID,
			AssistantID: assistantID,
			FirstName:   contact.FirstName,
			Variables:   contact.Fields,
		})
		if err != nil {
			_, _ = r.callTrack.Finish(ctx, nil, callUUID, calls.StatusFailed, time.Now().UTC())
			if errors.Is(err, provider.ErrCredentialsMissing) {
				_ = r.store.PersistIndex(ctx, cmp.ID, i)
				_ = r.ctrl.Fail(ctx, cmp.ID, "provider credentials missing")
				return
			}
			logger.Warn("runner: originate failed, skipping contact",
				"index", i, "call_uuid", callUUID, "error", err)
			_ = r.store.RecordDialResult(ctx, cmp.ID, i+1, false)
			r.metrics.ObserveDial(string(driver.Name()), "failed")
			i++
			continue
		}

		if result.ProviderCallID != "" && result.ProviderCallID != callUUID {
			if err := r.callTrack.SetProviderCallID(ctx, callUUID, result.ProviderCallID); err != nil {
				logger.Warn("runner: record provider call id", "call_uuid", callUUID, "error", err)
			}
		}
		_ = r.store.RecordDialResult(ctx, cmp.ID, i+1, true)
		r.metrics.ObserveDial(string(driver.Name()), "connected")
		i++

		if !sleepCtx(ctx, r.cfg.SubsequentCallWait) {
			_ = r.persistIndex(cmp.ID, i)
			return
		}
	}

	status, err := r.store.GetStatus(ctx, cmp.ID)
	if err == nil && status == StatusRunning {
		_ = r.ctrl.Complete(ctx, cmp.ID)
	}
	logger.Info("runner: dial loop finished", "index", i)
}

// rateWindowWait bumps the shared minute bucket and, when this dial
// would exceed the global per-minute cap, returns how long to sleep
// until the window rolls.
func (r *Runner) rateWindowWait(ctx context.Context, campaignID string) (time.Duration, bool) {
	now := time.Now().UTC()
	count, err := r.callTrack.IncrementWindow(ctx, calls.MinuteBucket(now))
	if err != nil {
		r.logger.Warn("runner: rate window increment failed", "campaign_id", campaignID, "error", err)
		return 0, false
	}
	if count <= r.cfg.MaxCallsPerMinute {
		return 0, false
	}
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now), true
}

func (r *Runner) persistIndex(campaignID string, index int) error {
	// Shutdown path: the loop ctx may already be cancelled, so the
	// checkpoint gets its own short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.store.PersistIndex(ctx, campaignID, index)
}

// contactMap flattens a contact into the metadata carried on the call
// row and into billing records.
func contactMap(c *contacts.Contact) map[string]string {
	m := make(map[string]string, len(c.Fields)+2)
	for k, v := range c.Fields {
		m[k] = v
	}
	if c.FirstName != "" {
		m["first_name"] = c.FirstName
	}
	if c.Email != "" {
		m["email"] = c.Email
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// campaignLoop is what the manager executes per campaign; satisfied by
// *Runner.
type campaignLoop interface {
	Run(ctx context.Context, campaignID string)
}

// Manager spawns one runner goroutine per campaign and keeps a local
// registry so the scheduler and supervisor cannot double-spawn the same
// campaign inside one container.
type Manager struct {
	runner campaignLoop
	logger *logging.Logger

	mu     sync.Mutex
	active map[string]struct{}

	baseCtx context.Context
	wg      sync.WaitGroup
}

func NewManager(ctx context.Context, runner campaignLoop, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		runner:  runner,
		logger:  logger,
		active:  make(map[string]struct{}),
		baseCtx: ctx,
	}
}

// Spawn starts the dial loop for the campaign unless one is already
// running locally.
func (m *Manager) Spawn(c *Campaign) {
	m.mu.Lock()
	if _, running := m.active[c.ID]; running {
		m.mu.Unlock()
		m.logger.Debug("campaign: runner already active locally", "campaign_id", c.ID)
		return
	}
	m.active[c.ID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, c.ID)
			m.mu.Unlock()
		}()
		m.runner.Run(m.baseCtx, c.ID)
	}()
}

// Wait blocks until every spawned runner returned. Called during
// shutdown after the base context is cancelled.
func (m *Manager) Wait() { m.wg.Wait() }

// ActiveCount reports how many runners this container is executing.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
