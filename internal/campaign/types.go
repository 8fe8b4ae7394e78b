package campaign

import (
	"context"
	"time"

	"campaignd/internal/gateway"
)

// Status is the campaign lifecycle state.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// TargetKind selects the TargetSpec variant.
type TargetKind string

const (
	// TargetExplicit: an explicit list of chat ids.
	TargetExplicit TargetKind = "explicit"
	// TargetAudience: a filter over the bot's active subscriber base.
	TargetAudience TargetKind = "audience"
)

// AudienceFilter narrows an audience spec. Zero fields mean "any".
type AudienceFilter struct {
	ChatType     string        `json:"chat_type,omitempty"`
	ActiveWithin time.Duration `json:"active_within,omitempty"`
}

// TargetSpec describes who a campaign goes to. BotID scopes both variants:
// explicit ids are verified against that bot's directory, audience filters
// query it.
type TargetSpec struct {
	Kind    TargetKind     `json:"kind"`
	BotID   int64          `json:"bot_id"`
	ChatIDs []int64        `json:"chat_ids,omitempty"`
	Filter  AudienceFilter `json:"filter,omitempty"`
}

// Campaign is one authored broadcast.
//
// TotalRecipients is fixed the instant the first resolution completes and
// never changes afterward, even if the directory changes mid-run. The
// invariant SuccessfulSends+FailedSends <= TotalRecipients holds at all
// times, with equality once Status is sent or failed.
type Campaign struct {
	ID             string
	OwnerID        int64
	Title          string
	MessageBody    string
	MessageOptions *gateway.MessageOptions
	Target         TargetSpec
	Status         Status
	ScheduledAt    *time.Time

	// Recipients is the audience snapshot frozen together with
	// TotalRecipients; resumes dispatch this list, never a fresh resolution.
	Recipients []int64

	TotalRecipients int
	SuccessfulSends int
	FailedSends     int

	CreatedAt time.Time
	SentAt    *time.Time
}

// DeliveryOutcome is the terminal result for one recipient.
type DeliveryOutcome string

const (
	OutcomePending            DeliveryOutcome = "pending"
	OutcomeSuccess            DeliveryOutcome = "success"
	OutcomePermanentFailure   DeliveryOutcome = "failed_permanent"
	OutcomeTransientExhausted DeliveryOutcome = "failed_transient_exhausted"
)

// DeliveryRecord is one recipient's outcome for one campaign. At most one
// terminal record exists per (campaign, recipient) pair.
type DeliveryRecord struct {
	CampaignID  string
	RecipientID int64
	Outcome     DeliveryOutcome
	ErrorDetail string
	Attempts    int
	AttemptedAt time.Time
}

// DeliverySummary is what Execute returns once a run settles.
type DeliverySummary struct {
	CampaignID      string
	Status          Status
	TotalRecipients int
	Successful      int
	Failed          int
	Skipped         int // already terminal before this run (resume)

	// Issues carries target problems observed when this run resolved the
	// audience (empty on resumes, which reuse the frozen snapshot).
	Issues []ValidationIssue

	Duration time.Duration
}

// CampaignStats is the O(1) aggregate view of a campaign.
type CampaignStats struct {
	TotalRecipients int
	SuccessfulSends int
	FailedSends     int
	DeliveryRate    float64
}

// TargetValidation is the dry-run result of ValidateTargets.
type TargetValidation struct {
	Valid        bool
	Issues       []ValidationIssue
	TotalChatIDs int
}

// ValidationIssue describes one rejected part of a target spec. ChatID is
// zero for spec-level issues.
type ValidationIssue struct {
	ChatID int64
	Reason string
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) withDefaults() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store is the persistence port for campaigns and delivery records.
type Store interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	ListCampaigns(ctx context.Context, ownerID int64, status *Status, page Page) ([]*Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]string, error)

	// CASStatus transitions id from any of `from` to `to` atomically and
	// reports whether a row changed.
	CASStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)

	// FreezeAudience persists the resolved recipient snapshot and its size
	// in one write; it only takes effect on the first resolution (stored
	// total zero).
	FreezeAudience(ctx context.Context, id string, recipients []int64) error

	// RecordOutcome inserts a terminal delivery record and bumps the matching
	// campaign counter in one transaction. Duplicate records for the same
	// (campaign, recipient) are ignored and reported via inserted=false.
	RecordOutcome(ctx context.Context, rec DeliveryRecord) (inserted bool, err error)

	// TerminalRecipients returns recipients that already have a terminal
	// record for the campaign.
	TerminalRecipients(ctx context.Context, campaignID string) (map[int64]struct{}, error)

	ListDeliveryRecords(ctx context.Context, campaignID string, page Page) ([]DeliveryRecord, error)

	// FinishCampaign sets the terminal status and sent_at, guarded on the
	// campaign still being in "sending".
	FinishCampaign(ctx context.Context, id string, status Status, at time.Time) error
}

// Directory is the read-only recipient directory port.
type Directory interface {
	// ListActive returns active chat ids for the bot matching the filter,
	// deduplicated, in stable insertion order.
	ListActive(ctx context.Context, botID int64, f AudienceFilter) ([]int64, error)
	Exists(ctx context.Context, botID, chatID int64) (bool, error)
}

// Identity answers ownership questions for target authorization.
type Identity interface {
	Owns(ctx context.Context, ownerID, botID int64) (bool, error)
}
