package models

import "time"

// Session status constants
const (
	SessionStatusConnecting   = "connecting"
	SessionStatusConnected    = "connected"
	SessionStatusReconnecting = "reconnecting"
	SessionStatusDisconnected = "disconnected"
)

// Session is one live outbound messaging channel. The session health
// monitor owns the status, reconnect_attempt and next_attempt_at fields;
// the underlying connection belongs to the external channel client. A
// disconnected session stays disconnected until externally re-initiated.
type Session struct {
	ID               int64      `json:"id"`
	TenantID         int64      `json:"tenant_id"`
	Status           string     `json:"status"`
	ReconnectAttempt int        `json:"reconnect_attempt"`
	NextAttemptAt    *time.Time `json:"next_attempt_at,omitempty"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsValidSessionStatus checks if the session status is valid
func IsValidSessionStatus(status string) bool {
	switch status {
	case SessionStatusConnecting, SessionStatusConnected, SessionStatusReconnecting, SessionStatusDisconnected:
		return true
	default:
		return false
	}
}
