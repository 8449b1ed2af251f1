package models

import (
	"fmt"
	"strings"
	"time"
)

// Recipient status constants
const (
	RecipientStatusPending   = "pending"
	RecipientStatusSending   = "sending"
	RecipientStatusSent      = "sent"
	RecipientStatusDelivered = "delivered"
	RecipientStatusRead      = "read"
	RecipientStatusFailed    = "failed"
)

// Recipient is one (campaign, contact) delivery unit. Status moves forward
// along pending -> sending -> sent -> delivered -> read; sending -> pending
// only as a scheduled-retry backtrack; failed is reachable from any
// non-terminal status. Once read or failed nothing mutates the row again.
type Recipient struct {
	ID                int64      `json:"id"`
	CampaignID        int64      `json:"campaign_id"`
	ContactID         int64      `json:"contact_id"`
	PhoneNumber       string     `json:"phone_number"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	ExternalMessageID *string    `json:"external_message_id,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// recipientRank orders the forward delivery chain. failed sits outside the
// chain and is handled separately.
var recipientRank = map[string]int{
	RecipientStatusPending:   0,
	RecipientStatusSending:   1,
	RecipientStatusSent:      2,
	RecipientStatusDelivered: 3,
	RecipientStatusRead:      4,
}

// RecipientRank returns the position of a status on the forward chain, or -1
// for failed/unknown statuses.
func RecipientRank(status string) int {
	if rank, ok := recipientRank[status]; ok {
		return rank
	}
	return -1
}

// IsRecipientTerminal reports whether the row may never be mutated again.
func IsRecipientTerminal(status string) bool {
	return status == RecipientStatusRead || status == RecipientStatusFailed
}

// ForwardPredecessors returns the statuses from which a recipient may
// advance to the given status. Used as the guard of the monotonic update:
// a stale callback whose current status is not in this set is a no-op.
func ForwardPredecessors(to string) []string {
	target := RecipientRank(to)
	if target < 0 {
		return nil
	}
	preds := make([]string, 0, target)
	for status, rank := range recipientRank {
		if rank >= 1 && rank < target {
			preds = append(preds, status)
		}
	}
	return preds
}

// NormalizePhone canonicalizes a phone number for per-campaign
// deduplication: formatting characters are stripped and the result must be
// 8-15 digits with an optional leading +.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, raw)

	digits := cleaned
	if strings.HasPrefix(cleaned, "+") {
		digits = cleaned[1:]
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidInput(fmt.Sprintf("invalid phone number: %s", raw))
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidInput(fmt.Sprintf("invalid phone number: %s", raw))
		}
	}
	return cleaned, nil
}
