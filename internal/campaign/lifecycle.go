package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voicelane/voicelane/internal/billing"
	"github.com/voicelane/voicelane/internal/contacts"
	"github.com/voicelane/voicelane/internal/tenants"
	"github.com/voicelane/voicelane/pkg/logging"
)

// IllegalTransitionError rejects a state change the machine does not
// allow, e.g. resuming a completed campaign.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("campaign: cannot transition %s campaign to %s", e.From, e.To)
}

// ContactSource is the slice of the contact store the controller needs.
type ContactSource interface {
	GetList(ctx context.Context, listID string) (*contacts.List, error)
	Count(ctx context.Context, listID string) (int, error)
}

// TenantReader reads tenant balance state.
type TenantReader interface {
	Get(ctx context.Context, tenantID string) (*tenants.Tenant, error)
	Balance(ctx context.Context, tenantID string) (int64, error)
}

// Finalizer settles a campaign's aggregate billing at termination.
type Finalizer interface {
	FinalizeCampaign(ctx context.Context, ref billing.CampaignRef) (bool, error)
}

// Spawner launches a dial loop for a running campaign.
type Spawner interface {
	Spawn(c *Campaign)
}

// Controller drives the campaign state machine. All transitions are
// store-level CAS; the controller's job is validation, spawning the
// runner on entry to running, and settling billing on exit.
type Controller struct {
	store    *Store
	contacts ContactSource
	tenants  TenantReader
	billing  Finalizer
	spawner  Spawner

	containerID  string
	estimatedDur time.Duration
	logger       *logging.Logger
}

func NewController(store *Store, contactSource ContactSource, tenantReader TenantReader,
	finalizer Finalizer, containerID string, estimatedDur time.Duration, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	if estimatedDur <= 0 {
		estimatedDur = 30 * time.Second
	}
	return &Controller{
		store:        store,
		contacts:     contactSource,
		tenants:      tenantReader,
		billing:      finalizer,
		containerID:  containerID,
		estimatedDur: estimatedDur,
		logger:       logger,
	}
}

// SetSpawner wires the runner factory in after construction; the factory
// needs the controller back for auto-pause and completion.
func (c *Controller) SetSpawner(s Spawner) { c.spawner = s }

// CreateInput is the collaborator API's campaign creation request.
type CreateInput struct {
	TenantID    string
	Name        string
	ListID      string
	FromNumber  string
	BotWSURL    string
	Provider    string
	ScheduledAt *time.Time
}

// CreateResult carries the new campaign plus non-fatal warnings (low
// balance against the estimated spend).
type CreateResult struct {
	Campaign *Campaign
	Warnings []string
}

// Create validates and persists a new campaign. Without a scheduled time
// the campaign starts immediately; with one it waits for the scheduler.
func (c *Controller) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.TenantID == "" || in.Name == "" || in.ListID == "" || in.FromNumber == "" || in.BotWSURL == "" {
		return nil, fmt.Errorf("campaign: create: tenant, name, list, from number and bot url are required")
	}

	list, err := c.contacts.GetList(ctx, in.ListID)
	if err != nil {
		return nil, fmt.Errorf("campaign: create: %w", err)
	}
	if list.TenantID != in.TenantID {
		return nil, fmt.Errorf("campaign: create: list %s does not belong to tenant %s", in.ListID, in.TenantID)
	}
	total := list.ContactCount
	if total == 0 {
		if total, err = c.contacts.Count(ctx, in.ListID); err != nil {
			return nil, fmt.Errorf("campaign: create: %w", err)
		}
	}

	balance, err := c.tenants.Balance(ctx, in.TenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign: create: %w", err)
	}
	if balance <= 0 {
		return nil, fmt.Errorf("campaign: create: tenant %s has no available balance", in.TenantID)
	}

	var warnings []string
	estimate := int64(total) * int64(c.estimatedDur.Seconds())
	if balance < estimate {
		warnings = append(warnings, fmt.Sprintf(
			"available balance %d is below the estimated campaign cost %d", balance, estimate))
	}

	now := time.Now().UTC()
	cmp := &Campaign{
		ID:            uuid.NewString(),
		TenantID:      in.TenantID,
		Name:          in.Name,
		ListID:        in.ListID,
		FromNumber:    in.FromNumber,
		BotWSURL:      in.BotWSURL,
		Provider:      in.Provider,
		TotalContacts: total,
	}
	if in.ScheduledAt != nil && in.ScheduledAt.After(now) {
		cmp.Status = StatusScheduled
		cmp.ScheduledAt = in.ScheduledAt
	} else {
		cmp.Status = StatusRunning
		cmp.ContainerID = c.containerID
	}

	if err := c.store.Create(ctx, cmp); err != nil {
		return nil, err
	}

	c.logger.Info("campaign: created",
		"campaign_id", cmp.ID,
		"tenant_id", cmp.TenantID,
		"status", string(cmp.Status),
		"total_contacts", total)

	if cmp.Status == StatusRunning && c.spawner != nil {
		c.spawner.Spawn(cmp)
	}
	return &CreateResult{Campaign: cmp, Warnings: warnings}, nil
}

// StartScheduled moves a due scheduled campaign into running and spawns
// its dial loop. Safe under concurrent scheduler ticks: the CAS picks
// one winner.
func (c *Controller) StartScheduled(ctx context.Context, campaignID string) error {
	ok, err := c.store.StartScheduled(ctx, campaignID, c.containerID)
	if err != nil {
		return err
	}
	if !ok {
		return c.illegal(ctx, campaignID, StatusRunning)
	}
	cmp, err := c.store.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	c.logger.Info("campaign: scheduled start", "campaign_id", campaignID)
	if c.spawner != nil {
		c.spawner.Spawn(cmp)
	}
	return nil
}

// Pause suspends a running campaign. The runner notices on its next
// status re-read; one in-flight dial may still begin.
func (c *Controller) Pause(ctx context.Context, campaignID, pausedBy, reason string) error {
	if reason == "" {
		reason = PauseReasonManual
	}
	ok, err := c.store.Pause(ctx, campaignID, pausedBy, reason)
	if err != nil {
		return err
	}
	if !ok {
		return c.illegal(ctx, campaignID, StatusPaused)
	}
	c.logger.Info("campaign: paused", "campaign_id", campaignID, "reason", reason, "paused_by", pausedBy)
	return nil
}

// Resume restarts a paused campaign from its persisted index.
func (c *Controller) Resume(ctx context.Context, campaignID string) error {
	ok, err := c.store.Resume(ctx, campaignID, c.containerID)
	if err != nil {
		return err
	}
	if !ok {
		return c.illegal(ctx, campaignID, StatusRunning)
	}
	// Re-read: the runner must start from the index in the store, never
	// from anything remembered in memory.
	cmp, err := c.store.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	c.logger.Info("campaign: resumed", "campaign_id", campaignID, "current_index", cmp.CurrentIndex)
	if c.spawner != nil {
		c.spawner.Spawn(cmp)
	}
	return nil
}

// Cancel terminates the campaign and settles its billing.
func (c *Controller) Cancel(ctx context.Context, campaignID string) error {
	ok, err := c.store.Cancel(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		return c.illegal(ctx, campaignID, StatusCancelled)
	}
	c.logger.Info("campaign: cancelled", "campaign_id", campaignID)
	return c.finalize(ctx, campaignID)
}

// Complete is the runner reporting it dialed the whole list.
func (c *Controller) Complete(ctx context.Context, campaignID string) error {
	ok, err := c.store.Complete(ctx, campaignID)
	if err != nil {
		return err
	}
	if !ok {
		// A pause or cancel won the race; nothing to settle here.
		return nil
	}
	c.logger.Info("campaign: completed", "campaign_id", campaignID)
	return c.finalize(ctx, campaignID)
}

// Fail terminates the campaign on a fatal runner error.
func (c *Controller) Fail(ctx context.Context, campaignID, errorMessage string) error {
	ok, err := c.store.Fail(ctx, campaignID, errorMessage)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.logger.Error("campaign: failed", "campaign_id", campaignID, "error_message", errorMessage)
	return c.finalize(ctx, campaignID)
}

func (c *Controller) finalize(ctx context.Context, campaignID string) error {
	if c.billing == nil {
		return nil
	}
	cmp, err := c.store.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	done, err := c.billing.FinalizeCampaign(ctx, billing.CampaignRef{
		CampaignID: cmp.ID,
		TenantID:   cmp.TenantID,
		Name:       cmp.Name,
	})
	if err != nil {
		// Billing settles lazily; the terminal transition already
		// committed and a later finalize attempt can still win the CAS.
		c.logger.Error("campaign: finalize billing failed", "campaign_id", campaignID, "error", err)
		return nil
	}
	if done {
		c.logger.Info("campaign: billing settled", "campaign_id", campaignID)
	}
	return nil
}

func (c *Controller) illegal(ctx context.Context, campaignID string, to Status) error {
	status, err := c.store.GetStatus(ctx, campaignID)
	if err != nil {
		return err
	}
	if status == to {
		// Idempotent repeat of a transition that already happened.
		return nil
	}
	return &IllegalTransitionError{From: status, To: to}
}
