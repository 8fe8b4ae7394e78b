package campaign

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"campaignd/internal/gateway"
	logx "campaignd/pkg/logx"
)

// Config tunes the dispatch engine. The rate limit is pool-wide, not
// per-worker, so aggregate throughput stays under the provider ceiling.
type Config struct {
	Workers    int
	RatePerSec int
	RetryMax   int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		// Telegram advertises ~30 msgs/sec for broadcasts; stay under it.
		c.RatePerSec = 25
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	} else if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Pricing is the deterministic delivery cost model, in minor currency units.
type Pricing struct {
	UnitCost       int64
	MediaSurcharge int64
}

func (p Pricing) withDefaults() Pricing {
	if p.UnitCost <= 0 {
		p.UnitCost = 1
	}
	if p.MediaSurcharge < 0 {
		p.MediaSurcharge = 0
	}
	return p
}

// Estimate prices a campaign: per-message unit cost times recipient count,
// plus a surcharge per message when it carries media. No I/O.
func (p Pricing) Estimate(recipients int, opt *gateway.MessageOptions) int64 {
	if recipients <= 0 {
		return 0
	}
	p = p.withDefaults()
	per := p.UnitCost
	if opt.HasMedia() {
		per += p.MediaSurcharge
	}
	return per * int64(recipients)
}

// Service is the engine's public surface. A thin API layer (out of scope
// here) sits in front of it.
type Service struct {
	store Store
	dir   Directory
	ident Identity
	gw    gateway.Gateway
	log   logx.Logger

	mu      sync.Mutex
	cfg     Config
	pricing Pricing

	runMu sync.Mutex
	runs  map[string]*run
}

func New(cfg Config, pricing Pricing, store Store, dir Directory, ident Identity, gw gateway.Gateway, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:   store,
		dir:     dir,
		ident:   ident,
		gw:      gw,
		log:     log,
		cfg:     cfg.withDefaults(),
		pricing: pricing.withDefaults(),
		runs:    map[string]*run{},
	}
}

// Apply swaps dispatch tuning at runtime. Runs already in flight keep the
// config they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// CreateParams describes a new campaign.
type CreateParams struct {
	OwnerID        int64
	Title          string
	MessageBody    string
	MessageOptions *gateway.MessageOptions
	Target         TargetSpec
	ScheduledAt    *time.Time
}

// CreateCampaign validates the request and persists the campaign as draft
// (immediate intent) or scheduled. Target spec and message body are immutable
// from here on.
func (s *Service) CreateCampaign(ctx context.Context, p CreateParams) (*Campaign, error) {
	var issues []ValidationIssue
	if strings.TrimSpace(p.Title) == "" {
		issues = append(issues, specIssue("title is empty"))
	}
	if strings.TrimSpace(p.MessageBody) == "" {
		issues = append(issues, specIssue("message body is empty"))
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	v, err := s.ValidateTargets(ctx, p.OwnerID, p.Target)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		return nil, &ValidationError{Issues: v.Issues}
	}

	status := StatusDraft
	if p.ScheduledAt != nil {
		status = StatusScheduled
	}
	c := &Campaign{
		ID:             uuid.NewString(),
		OwnerID:        p.OwnerID,
		Title:          p.Title,
		MessageBody:    p.MessageBody,
		MessageOptions: p.MessageOptions,
		Target:         p.Target,
		Status:         status,
		ScheduledAt:    p.ScheduledAt,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("campaign created",
		logx.String("campaign", c.ID),
		logx.Int64("owner", c.OwnerID),
		logx.String("status", string(c.Status)),
		logx.Int("explicit_targets", len(c.Target.ChatIDs)),
	)
	return c, nil
}

// EstimateCost resolves the audience size (dry run) and prices the campaign.
func (s *Service) EstimateCost(ctx context.Context, ownerID int64, spec TargetSpec, opt *gateway.MessageOptions) (int64, error) {
	v, err := s.ValidateTargets(ctx, ownerID, spec)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	pricing := s.pricing
	s.mu.Unlock()
	return pricing.Estimate(v.TotalChatIDs, opt), nil
}

// Cancel requests cancellation on behalf of ownerID.
//
// Scheduled campaigns transition to cancelled immediately. A campaign that is
// sending is cancelled cooperatively: the live run stops submitting new
// deliveries and settles the terminal status itself once in-flight sends have
// been recorded.
func (s *Service) Cancel(ctx context.Context, id string, ownerID int64) error {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if c.OwnerID != ownerID {
		return ErrAccessDenied
	}
	if c.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if !CanTransition(c.Status, StatusCancelled) {
		return ErrInvalidState
	}

	if c.Status == StatusSending {
		s.runMu.Lock()
		r := s.runs[id]
		s.runMu.Unlock()
		if r != nil {
			r.cancelled.Store(true)
			s.log.Info("campaign cancellation requested", logx.String("campaign", id))
			return nil
		}
		// No live run in this process (e.g. crash left it sending): settle
		// directly with whatever counters were reached.
	}

	ok, err := s.store.CASStatus(ctx, id, []Status{c.Status}, StatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		// Raced with a terminal transition.
		return ErrAlreadyTerminal
	}
	s.log.Info("campaign cancelled", logx.String("campaign", id), logx.String("was", string(c.Status)))
	return nil
}

// ListCampaigns returns the owner's campaigns, optionally filtered by status,
// newest first.
func (s *Service) ListCampaigns(ctx context.Context, ownerID int64, status *Status, page Page) ([]*Campaign, error) {
	return s.store.ListCampaigns(ctx, ownerID, status, page.withDefaults())
}

// ListDueScheduled is the scheduler-trigger contract: scheduled campaigns
// whose scheduled_at has passed.
func (s *Service) ListDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	return s.store.ListDueScheduled(ctx, now)
}
