// pkg/model/twin.go
package model

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// SyncStatus describes how the reported side of a twin relates to the
// desired side. It is derived at read time and never stored.
type SyncStatus string

const (
	// SyncStatusSynced means desired and reported are key/value equal.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusPending means a desired update has not yet been reflected
	// in the reported state.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusStale means the device has not reported within the
	// configured staleness window.
	SyncStatusStale SyncStatus = "stale"
)

// TwinDocument is the paired desired/reported state document for one
// device. It is exclusively owned by the twin store; it becomes durable on
// the first desired-state write or the first device report, whichever
// comes first.
type TwinDocument struct {
	TenantID string `json:"tenantId"`
	DeviceID string `json:"deviceId"`

	// Desired is the operator-authored target state. Replaced wholesale on
	// each successful desired-state write.
	Desired map[string]interface{} `json:"desired"`
	// DesiredVersion increments exactly once per successful desired write.
	DesiredVersion int64 `json:"desiredVersion"`

	// Reported is the device-authored observed state. Replaced wholesale
	// on each accepted report, not merged key-by-key.
	Reported map[string]interface{} `json:"reported"`
	// ReportedVersion increments on each accepted report.
	ReportedVersion int64 `json:"reportedVersion"`

	// ReportedAt is the time of the last accepted device report; zero if
	// the device has never reported. Used for staleness derivation.
	ReportedAt time.Time `json:"reportedAt,omitempty"`

	// UpdatedAt is the last mutation time of either side.
	UpdatedAt time.Time `json:"updatedAt"`
}

// ETag returns the opaque optimistic-concurrency token for the document's
// desired side. Callers must treat it as opaque; only equality matters.
func (t *TwinDocument) ETag() string {
	return ComputeETag(t.DesiredVersion, t.Desired)
}

// ComputeETag derives an etag from a desired version and the desired map.
// The content hash folds in keys in sorted order so the token is stable
// across map iteration order.
func ComputeETag(version int64, desired map[string]interface{}) string {
	h := fnv.New32a()
	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		if b, err := json.Marshal(desired[k]); err == nil {
			h.Write(b)
		}
	}
	return fmt.Sprintf("v%d-%08x", version, h.Sum32())
}

// EmptyTwin synthesizes the document returned for a device that has never
// written either side. It is never persisted; its etag (version 0) is the
// expected token for the first desired-state write.
func EmptyTwin(tenantID, deviceID string) *TwinDocument {
	return &TwinDocument{
		TenantID: tenantID,
		DeviceID: deviceID,
		Desired:  map[string]interface{}{},
		Reported: map[string]interface{}{},
	}
}
