// pkg/model/device.go
package model

import (
	"encoding/json"
	"time"
)

// Device is a registry entry for one managed device within a tenant. The
// control plane only needs identity plus the expected heartbeat cadence;
// everything else about a device lives with the dashboard collaborator.
type Device struct {
	TenantID    string `json:"tenantId"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`

	// HeartbeatInterval is the cadence the device is expected to report
	// at. Zero means unknown; staleness derivation then falls back to the
	// configured flat window.
	HeartbeatInterval time.Duration `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarshalJSON renders the heartbeat cadence in whole seconds, matching
// the unit the registry API accepts.
func (d *Device) MarshalJSON() ([]byte, error) {
	type alias Device
	return json.Marshal(struct {
		*alias
		HeartbeatIntervalSeconds int64 `json:"heartbeatIntervalSeconds,omitempty"`
	}{
		alias:                    (*alias)(d),
		HeartbeatIntervalSeconds: int64(d.HeartbeatInterval / time.Second),
	})
}
