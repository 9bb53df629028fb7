// pkg/command/service.go

// Package command owns the per-device command ledger: creation, transport
// dispatch, acknowledgement, and the conditional terminal transitions the
// expiry sweep builds on.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fleetware/controlplane/pkg/model"
	"github.com/fleetware/controlplane/pkg/persistence"
	"github.com/fleetware/controlplane/pkg/transport"
)

// ErrInvalidTTL rejects a command TTL outside [MinCommandTTL, MaxCommandTTL].
var ErrInvalidTTL = fmt.Errorf("command ttl must be between %s and %s", model.MinCommandTTL, model.MaxCommandTTL)

// ErrReservedAckDetail rejects ack details carrying the "result" key,
// which the ledger writes itself.
var ErrReservedAckDetail = errors.New(`ack details key "result" is reserved`)

// Service implements the command ledger over the persistence layer and
// the transport collaborator.
type Service struct {
	store     persistence.CommandStore
	devices   persistence.DeviceStore
	publisher transport.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewService wires a command ledger. publisher may be nil in setups
// without a broker; Dispatch then reports every command as unpublished and
// the sweep resolves them to expired.
func NewService(store persistence.CommandStore, devices persistence.DeviceStore, publisher transport.Publisher, log logrus.FieldLogger) *Service {
	return &Service{
		store:     store,
		devices:   devices,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the target device against the registry and inserts a
// queued, unpublished command with its expiry fixed from ttl. Dispatch is
// a separate step so no transaction is ever open across the broker call.
func (s *Service) Create(ctx context.Context, tenantID, deviceID, commandType string, params map[string]interface{}, ttl time.Duration, createdBy string) (*model.DeviceCommand, error) {
	if ttl < model.MinCommandTTL || ttl > model.MaxCommandTTL {
		return nil, ErrInvalidTTL
	}
	if _, err := s.devices.GetDevice(ctx, tenantID, deviceID); err != nil {
		return nil, err
	}

	now := s.now()
	cmd := &model.DeviceCommand{
		CommandID:     uuid.NewString(),
		TenantID:      tenantID,
		DeviceID:      deviceID,
		CommandType:   commandType,
		CommandParams: params,
		Status:        model.StatusQueued,
		ExpiresAt:     now.Add(ttl),
		CreatedBy:     createdBy,
		CreatedAt:     now,
	}
	if err := s.store.InsertCommand(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// commandEnvelope is the payload devices receive on their command topic.
type commandEnvelope struct {
	CommandID     string                 `json:"commandId"`
	CommandType   string                 `json:"commandType"`
	CommandParams map[string]interface{} `json:"commandParams,omitempty"`
	ExpiresAt     time.Time              `json:"expiresAt"`
}

// Dispatch publishes the command to the device topic (qos 1, not
// retained: a retained command would replay a stale one-shot signal to a
// newly-connecting device). On broker confirmation the publish time is
// recorded with a conditional update so a concurrent sweep that already
// terminalized the command is never overwritten. Publish failure is
// swallowed and logged; the command stays queued and unpublished, and the
// sweep later resolves it to expired rather than missed.
func (s *Service) Dispatch(ctx context.Context, cmd *model.DeviceCommand) bool {
	logger := s.log.WithFields(logrus.Fields{
		"tenant":  cmd.TenantID,
		"device":  cmd.DeviceID,
		"command": cmd.CommandID,
	})
	if s.publisher == nil {
		logger.Warn("no transport configured, command left queued")
		return false
	}

	payload, err := json.Marshal(commandEnvelope{
		CommandID:     cmd.CommandID,
		CommandType:   cmd.CommandType,
		CommandParams: cmd.CommandParams,
		ExpiresAt:     cmd.ExpiresAt,
	})
	if err != nil {
		logger.WithError(err).Error("failed to encode command payload")
		return false
	}

	topic := transport.CommandTopic(cmd.TenantID, cmd.DeviceID)
	if err := s.publisher.Publish(ctx, topic, payload, transport.QoSAtLeastOnce, false); err != nil {
		logger.WithError(err).Warn("command publish failed, command stays queued")
		return false
	}

	publishedAt := s.now()
	changed, err := s.store.MarkPublished(ctx, cmd.TenantID, cmd.DeviceID, cmd.CommandID, publishedAt)
	if err != nil {
		logger.WithError(err).Error("publish succeeded but could not be recorded")
		return false
	}
	if !changed {
		// The command was terminalized (or already marked) between insert
		// and broker confirmation; the first writer wins.
		logger.Debug("publish confirmation arrived after terminal transition")
		return false
	}
	cmd.PublishedAt = &publishedAt
	return true
}

// Acknowledge performs the idempotent queued -> delivered transition.
// false with a nil error means the command was already resolved, already
// acknowledged, or never existed: a benign no-op by contract, because the
// device ACK inherently races the expiry sweep.
func (s *Service) Acknowledge(ctx context.Context, tenantID, deviceID, commandID string, result model.AckResult, details map[string]interface{}) (bool, error) {
	if !result.Valid() {
		return false, fmt.Errorf("invalid ack status %q", result)
	}
	if _, ok := details["result"]; ok {
		return false, ErrReservedAckDetail
	}
	merged := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		merged[k] = v
	}
	merged["result"] = string(result)

	acked, err := s.store.AcknowledgeCommand(ctx, tenantID, deviceID, commandID, merged, s.now())
	if err != nil {
		return false, err
	}
	if !acked {
		s.log.WithFields(logrus.Fields{
			"tenant":  tenantID,
			"device":  deviceID,
			"command": commandID,
		}).Debug("ack for already-resolved or unknown command ignored")
	}
	return acked, nil
}

// Get returns one command scoped to its tenant and device.
func (s *Service) Get(ctx context.Context, tenantID, deviceID, commandID string) (*model.DeviceCommand, error) {
	return s.store.GetCommand(ctx, tenantID, deviceID, commandID)
}

// ListForDevice returns command history newest-first, optionally filtered
// by status.
func (s *Service) ListForDevice(ctx context.Context, tenantID, deviceID string, status model.CommandStatus, limit int) ([]*model.DeviceCommand, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("invalid status filter %q", status)
	}
	return s.store.ListCommands(ctx, tenantID, deviceID, status, limit)
}

// ListPending returns the commands a polling device should act on: still
// queued and unexpired, newest-first, bounded page.
func (s *Service) ListPending(ctx context.Context, tenantID, deviceID string, limit int) ([]*model.DeviceCommand, error) {
	return s.store.ListPendingCommands(ctx, tenantID, deviceID, s.now(), limit)
}

// SweepMissed transitions queued, expired, published commands to missed.
// Exposed for the expiry sweeper; set-based, safe against concurrent acks.
func (s *Service) SweepMissed(ctx context.Context) (int64, error) {
	return s.store.SweepMissed(ctx, s.now())
}

// SweepExpired transitions queued, expired, never-published commands to
// expired. Disjoint from SweepMissed by the published predicate.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.SweepExpired(ctx, s.now())
}
