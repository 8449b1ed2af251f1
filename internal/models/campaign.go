package models

import "time"

// Campaign status constants
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusCompleted = "completed"
	CampaignStatusFailed    = "failed"
	CampaignStatusCancelled = "cancelled"
)

// Campaign represents one broadcast run and its aggregate counters.
type Campaign struct {
	ID              int64      `json:"id"`
	TenantID        int64      `json:"tenant_id"`
	SessionID       int64      `json:"session_id"`
	Name            string     `json:"name"`
	Body            string     `json:"body"`
	Status          string     `json:"status"`
	TotalRecipients int64      `json:"total_recipients"`
	SentCount       int64      `json:"sent_count"`
	DeliveredCount  int64      `json:"delivered_count"`
	ReadCount       int64      `json:"read_count"`
	FailedCount     int64      `json:"failed_count"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CampaignFilter holds filtering options for listing campaigns
type CampaignFilter struct {
	TenantID int64
	Status   string
	Page     int
	PageSize int
}

// CounterDelta is a set of increments applied to a campaign's counters.
// Counters are a cumulative funnel: sent_count counts "reached sent or
// later", delivered_count counts "reached delivered or later", and so on.
// Increments are monotonic; nothing is ever decremented.
type CounterDelta struct {
	Sent      int64
	Delivered int64
	Read      int64
	Failed    int64
}

// IsZero reports whether the delta changes nothing.
func (d CounterDelta) IsZero() bool {
	return d.Sent == 0 && d.Delivered == 0 && d.Read == 0 && d.Failed == 0
}

// campaignTransitions lists the allowed status transitions. sending ->
// completed/failed is system-driven (status aggregator); failed -> sending
// is the manual retry of the remaining pending recipients.
var campaignTransitions = map[string][]string{
	CampaignStatusDraft:     {CampaignStatusScheduled, CampaignStatusSending, CampaignStatusCancelled},
	CampaignStatusScheduled: {CampaignStatusSending, CampaignStatusCancelled},
	CampaignStatusSending:   {CampaignStatusCompleted, CampaignStatusFailed, CampaignStatusCancelled},
	CampaignStatusFailed:    {CampaignStatusSending},
	CampaignStatusCompleted: {},
	CampaignStatusCancelled: {},
}

// CanTransition reports whether a campaign may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range campaignTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidCampaignStatus checks if the campaign status is valid
func IsValidCampaignStatus(status string) bool {
	_, ok := campaignTransitions[status]
	return ok
}

// IsCampaignTerminal reports whether no further transitions are possible.
// failed is not terminal here: it can be manually retried.
func IsCampaignTerminal(status string) bool {
	return status == CampaignStatusCompleted || status == CampaignStatusCancelled
}

// Campaign job operations, carried over the cross-process job queue.
const (
	JobOpStart  = "start"
	JobOpCancel = "cancel"
)

// CampaignJob is the hand-off between the API process and the pipeline
// worker: start seeds the dispatch queue with the campaign's pending
// recipients, cancel drops its queued work items.
type CampaignJob struct {
	CampaignID int64  `json:"campaign_id"`
	Op         string `json:"op"`
}

// WorkItem identifies one dispatchable send: a recipient of a campaign,
// routed through the campaign's outbound session.
type WorkItem struct {
	CampaignID  int64
	RecipientID int64
	SessionID   int64
}
