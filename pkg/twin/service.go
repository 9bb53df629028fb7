// pkg/twin/service.go

// Package twin owns the per-device shadow document: optimistic-concurrency
// desired writes, wholesale device reports, and derived sync status.
package twin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleetware/controlplane/pkg/delta"
	"github.com/fleetware/controlplane/pkg/model"
	"github.com/fleetware/controlplane/pkg/persistence"
	"github.com/fleetware/controlplane/pkg/transport"
)

// DefaultStalenessWindow is the flat fallback window when the registry has
// no heartbeat interval for a device.
const DefaultStalenessWindow = 15 * time.Minute

// heartbeatStalenessFactor scales a device's expected heartbeat interval
// into its staleness window.
const heartbeatStalenessFactor = 3

// View is a twin document read: the stored document plus everything
// derived fresh at read time. The delta is never cached because either
// side may mutate independently.
type View struct {
	*model.TwinDocument
	ETag       string           `json:"etag"`
	SyncStatus model.SyncStatus `json:"syncStatus"`
	Delta      *delta.Delta     `json:"delta"`
}

// Service implements the twin store on top of the persistence layer.
type Service struct {
	store           persistence.TwinStore
	devices         persistence.DeviceStore
	publisher       transport.Publisher
	log             logrus.FieldLogger
	stalenessWindow time.Duration
	now             func() time.Time
}

// NewService wires a twin service. publisher may be nil in setups without
// a broker (desired-state pushes are then skipped). stalenessWindow <= 0
// selects DefaultStalenessWindow.
func NewService(store persistence.TwinStore, devices persistence.DeviceStore, publisher transport.Publisher, stalenessWindow time.Duration, log logrus.FieldLogger) *Service {
	if stalenessWindow <= 0 {
		stalenessWindow = DefaultStalenessWindow
	}
	return &Service{
		store:           store,
		devices:         devices,
		publisher:       publisher,
		log:             log,
		stalenessWindow: stalenessWindow,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the twin view for a device. A device with no durable twin
// gets an empty synthesized document (versions 0); nothing is persisted.
func (s *Service) Get(ctx context.Context, tenantID, deviceID string) (*View, error) {
	doc, err := s.store.GetTwin(ctx, tenantID, deviceID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return s.view(ctx, model.EmptyTwin(tenantID, deviceID)), nil
		}
		return nil, err
	}
	return s.view(ctx, doc), nil
}

// UpdateDesired is the operator compare-and-swap write. On conflict the
// stored state is untouched and model.ErrConflict surfaces so the caller
// can re-fetch and retry; there is no server-side retry or merge. After a
// successful commit the new desired document is pushed to the device's
// retained twin topic; a push failure is logged, never surfaced, since the
// retained copy is repaired on the next successful write.
func (s *Service) UpdateDesired(ctx context.Context, tenantID, deviceID string, desired map[string]interface{}, expectedEtag string) (*View, error) {
	if desired == nil {
		desired = map[string]interface{}{}
	}
	doc, err := s.store.UpdateDesired(ctx, tenantID, deviceID, desired, expectedEtag)
	if err != nil {
		return nil, err
	}
	s.pushDesired(ctx, doc)
	return s.view(ctx, doc), nil
}

// ReportState ingests a device report: wholesale replace of the reported
// side, no concurrency token (the device is the sole writer).
func (s *Service) ReportState(ctx context.Context, tenantID, deviceID string, reported map[string]interface{}) (*View, error) {
	if reported == nil {
		reported = map[string]interface{}{}
	}
	doc, err := s.store.ReplaceReported(ctx, tenantID, deviceID, reported, s.now())
	if err != nil {
		return nil, err
	}
	return s.view(ctx, doc), nil
}

// ComputeDelta delegates to the delta engine over (desired, reported).
func (s *Service) ComputeDelta(doc *model.TwinDocument) *delta.Delta {
	return delta.Diff(doc.Desired, doc.Reported)
}

func (s *Service) view(ctx context.Context, doc *model.TwinDocument) *View {
	return &View{
		TwinDocument: doc,
		ETag:         doc.ETag(),
		SyncStatus:   s.syncStatus(ctx, doc),
		Delta:        s.ComputeDelta(doc),
	}
}

// syncStatus derives the twin's sync state at read time. Staleness wins
// over pending: a device that stopped reporting is flagged stale even if
// its last report happened to match desired.
func (s *Service) syncStatus(ctx context.Context, doc *model.TwinDocument) model.SyncStatus {
	// A twin with no activity on either side has nothing to be out of
	// sync with.
	if doc.DesiredVersion == 0 && doc.ReportedVersion == 0 {
		return model.SyncStatusSynced
	}

	window := s.stalenessWindow
	if s.devices != nil {
		if d, err := s.devices.GetDevice(ctx, doc.TenantID, doc.DeviceID); err == nil && d.HeartbeatInterval > 0 {
			window = heartbeatStalenessFactor * d.HeartbeatInterval
		}
	}

	lastSeen := doc.ReportedAt
	if lastSeen.IsZero() {
		// Never reported: the clock starts at the first desired write.
		lastSeen = doc.UpdatedAt
	}
	if !lastSeen.IsZero() && s.now().Sub(lastSeen) > window {
		return model.SyncStatusStale
	}

	if s.ComputeDelta(doc).Empty() {
		return model.SyncStatusSynced
	}
	return model.SyncStatusPending
}

// desiredPush is the retained payload devices consume on (re)connect.
type desiredPush struct {
	Desired        map[string]interface{} `json:"desired"`
	DesiredVersion int64                  `json:"desiredVersion"`
	ETag           string                 `json:"etag"`
}

func (s *Service) pushDesired(ctx context.Context, doc *model.TwinDocument) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(desiredPush{
		Desired:        doc.Desired,
		DesiredVersion: doc.DesiredVersion,
		ETag:           doc.ETag(),
	})
	if err != nil {
		s.log.WithError(err).Error("failed to encode desired-state push")
		return
	}
	topic := transport.DesiredTopic(doc.TenantID, doc.DeviceID)
	// Retained on purpose: a newly-connecting device always sees the
	// latest target state. Commands are the opposite case.
	if err := s.publisher.Publish(ctx, topic, payload, transport.QoSAtLeastOnce, true); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"tenant": doc.TenantID,
			"device": doc.DeviceID,
		}).Warn("desired-state push failed")
	}
}
