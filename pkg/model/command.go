// pkg/model/command.go
package model

import "time"

// CommandStatus is the lifecycle state of a device command. All outgoing
// transitions leave StatusQueued; the other three states are terminal and
// immutable once reached.
type CommandStatus string

const (
	// StatusQueued is the only non-terminal state: created, possibly
	// published, not yet acknowledged or expired.
	StatusQueued CommandStatus = "queued"
	// StatusDelivered is terminal: the device acknowledged the command.
	StatusDelivered CommandStatus = "delivered"
	// StatusMissed is terminal: the broker accepted the publish but the
	// device never acknowledged before the TTL elapsed.
	StatusMissed CommandStatus = "missed"
	// StatusExpired is terminal: the command was never published and the
	// TTL elapsed.
	StatusExpired CommandStatus = "expired"
)

// Valid reports whether s is one of the four known statuses.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusDelivered, StatusMissed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s CommandStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusMissed || s == StatusExpired
}

// TTL bounds for commands. Out-of-range TTLs are rejected at creation, not
// clamped.
const (
	MinCommandTTL = time.Minute
	MaxCommandTTL = 7 * 24 * time.Hour
)

// DeviceCommand is a one-shot, best-effort, TTL-bounded instruction for a
// device, independent of the twin.
type DeviceCommand struct {
	CommandID string `json:"commandId"`
	TenantID  string `json:"tenantId"`
	DeviceID  string `json:"deviceId"`

	CommandType   string                 `json:"commandType"`
	CommandParams map[string]interface{} `json:"commandParams,omitempty"`

	Status CommandStatus `json:"status"`

	// PublishedAt is set exactly once, when the transport publish call
	// returns success; nil if the command was never published.
	PublishedAt *time.Time `json:"publishedAt,omitempty"`

	// AckedAt and AckDetails are set exactly once, when a valid
	// acknowledgement is received.
	AckedAt    *time.Time             `json:"ackedAt,omitempty"`
	AckDetails map[string]interface{} `json:"ackDetails,omitempty"`

	// ExpiresAt is the absolute deadline fixed at creation.
	ExpiresAt time.Time `json:"expiresAt"`

	CreatedBy string    `json:"createdBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// AckResult is the device-reported outcome carried in an acknowledgement.
type AckResult string

const (
	AckOK    AckResult = "ok"
	AckError AckResult = "error"
)

// Valid reports whether r is a known ack result.
func (r AckResult) Valid() bool { return r == AckOK || r == AckError }
