// pkg/persistence/store.go
package persistence

import (
	"context"
	"time"

	"github.com/fleetware/controlplane/pkg/model"
)

// DeviceStore defines persistence operations for the device registry.
type DeviceStore interface {
	// CreateDevice stores a new registry entry. Returns model.ErrConflict
	// if the (tenant, device) pair already exists.
	CreateDevice(ctx context.Context, device *model.Device) error

	// GetDevice retrieves a registry entry. Returns model.ErrNotFound if
	// absent or owned by another tenant.
	GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error)

	// ListDevices lists a tenant's devices ordered by device ID.
	ListDevices(ctx context.Context, tenantID string) ([]*model.Device, error)

	// UpdateDevice modifies an existing entry. Returns model.ErrNotFound
	// if absent.
	UpdateDevice(ctx context.Context, device *model.Device) error

	// DeleteDevice removes an entry. Returns model.ErrNotFound if absent.
	DeleteDevice(ctx context.Context, tenantID, deviceID string) error
}

// TwinStore defines persistence operations for twin documents. A twin row
// exists only after the first desired write or device report; reads of an
// absent twin return model.ErrNotFound and the service layer synthesizes
// the empty document.
type TwinStore interface {
	// GetTwin retrieves the stored twin document.
	GetTwin(ctx context.Context, tenantID, deviceID string) (*model.TwinDocument, error)

	// UpdateDesired performs the compare-and-swap desired-state write: if
	// expectedEtag does not match the current document's etag (or, for a
	// not-yet-durable twin, the synthesized version-0 etag) it returns
	// model.ErrConflict and changes nothing. On match it replaces desired
	// wholesale, increments the desired version, and returns the new
	// document.
	UpdateDesired(ctx context.Context, tenantID, deviceID string, desired map[string]interface{}, expectedEtag string) (*model.TwinDocument, error)

	// ReplaceReported replaces the reported side wholesale, increments the
	// reported version, and stamps the report time. No concurrency token:
	// the device is the sole writer of its reported state. Creates the
	// twin row on first report.
	ReplaceReported(ctx context.Context, tenantID, deviceID string, reported map[string]interface{}, reportedAt time.Time) (*model.TwinDocument, error)
}

// CommandStore defines persistence operations for the command ledger. The
// three terminal writers (ack, sweep-missed, sweep-expired) are all single
// conditional updates guarded by status='queued'; at most one can match a
// given row, which is the whole concurrency story.
type CommandStore interface {
	// InsertCommand stores a new command (status queued, publishedAt nil).
	InsertCommand(ctx context.Context, cmd *model.DeviceCommand) error

	// GetCommand retrieves one command. Returns model.ErrNotFound if
	// absent or owned by another tenant/device.
	GetCommand(ctx context.Context, tenantID, deviceID, commandID string) (*model.DeviceCommand, error)

	// MarkPublished records a successful transport publish, but only while
	// the command is still queued and unpublished. Returns whether the row
	// changed; false is benign (the command was terminalized, or already
	// marked, between publish and confirmation).
	MarkPublished(ctx context.Context, tenantID, deviceID, commandID string, publishedAt time.Time) (bool, error)

	// AcknowledgeCommand performs the conditional terminal transition
	// queued -> delivered. Returns whether the row changed; false means
	// the command was already resolved or never existed and must be
	// treated as a no-op.
	AcknowledgeCommand(ctx context.Context, tenantID, deviceID, commandID string, details map[string]interface{}, ackedAt time.Time) (bool, error)

	// ListCommands lists a device's commands newest-first, optionally
	// filtered by status. limit <= 0 means the implementation default.
	ListCommands(ctx context.Context, tenantID, deviceID string, status model.CommandStatus, limit int) ([]*model.DeviceCommand, error)

	// ListPendingCommands lists commands still queued and unexpired as of
	// now, newest-first, bounded by limit.
	ListPendingCommands(ctx context.Context, tenantID, deviceID string, now time.Time, limit int) ([]*model.DeviceCommand, error)

	// SweepMissed transitions queued, expired, published commands to
	// missed. Set-based conditional update; returns rows changed.
	SweepMissed(ctx context.Context, now time.Time) (int64, error)

	// SweepExpired transitions queued, expired, never-published commands
	// to expired. Disjoint from SweepMissed by the published predicate.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store aggregates the three stores behind a single handle so wiring code
// can depend on one object.
type Store interface {
	DeviceStore
	TwinStore
	CommandStore

	// Close releases underlying resources.
	Close()
}
