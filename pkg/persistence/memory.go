// pkg/persistence/memory.go
package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetware/controlplane/pkg/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory implementation of Store backed by maps and
// mutexes. Suitable for development and tests. It honors the same
// conditional-update contracts as the Postgres store: every terminal
// command transition is guarded by the queued status under the lock.
type MemoryStore struct {
	devices  *memoryDeviceStore
	twins    *memoryTwinStore
	commands *memoryCommandStore
}

// NewMemoryStore returns a fully initialised MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  &memoryDeviceStore{data: make(map[string]model.Device)},
		twins:    &memoryTwinStore{data: make(map[string]model.TwinDocument)},
		commands: &memoryCommandStore{data: make(map[string]model.DeviceCommand)},
	}
}

func (m *MemoryStore) Close() {}

func compositeKey(tenantID, deviceID string) string {
	return tenantID + "/" + deviceID
}

// copyMap deep-copies one level; nested values are shared but the twin
// code treats them as immutable blobs.
func copyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ---------------------------------------------------------------------------
// Device registry
// ---------------------------------------------------------------------------

type memoryDeviceStore struct {
	mu   sync.RWMutex
	data map[string]model.Device
}

func (m *MemoryStore) CreateDevice(_ context.Context, d *model.Device) error {
	s := m.devices
	s.mu.Lock()
	defer s.mu.Unlock()
	key := compositeKey(d.TenantID, d.DeviceID)
	if _, exists := s.data[key]; exists {
		return fmt.Errorf("%w: device '%s/%s' already exists", model.ErrConflict, d.TenantID, d.DeviceID)
	}
	s.data[key] = *d
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, tenantID, deviceID string) (*model.Device, error) {
	s := m.devices
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[compositeKey(tenantID, deviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, tenantID, deviceID)
	}
	return &d, nil
}

func (m *MemoryStore) ListDevices(_ context.Context, tenantID string) ([]*model.Device, error) {
	s := m.devices
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Device{}
	for _, d := range s.data {
		if d.TenantID == tenantID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) UpdateDevice(_ context.Context, d *model.Device) error {
	s := m.devices
	s.mu.Lock()
	defer s.mu.Unlock()
	key := compositeKey(d.TenantID, d.DeviceID)
	current, exists := s.data[key]
	if !exists {
		return fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, d.TenantID, d.DeviceID)
	}
	current.DisplayName = d.DisplayName
	current.HeartbeatInterval = d.HeartbeatInterval
	current.UpdatedAt = d.UpdatedAt
	s.data[key] = current
	return nil
}

func (m *MemoryStore) DeleteDevice(_ context.Context, tenantID, deviceID string) error {
	// Lock order: commands before devices, matching no other multi-lock
	// path (this is the only one).
	c := m.commands
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cmd := range c.data {
		if cmd.TenantID == tenantID && cmd.DeviceID == deviceID {
			return fmt.Errorf("%w: device '%s/%s' still has commands", model.ErrConflict, tenantID, deviceID)
		}
	}

	s := m.devices
	s.mu.Lock()
	defer s.mu.Unlock()
	key := compositeKey(tenantID, deviceID)
	if _, exists := s.data[key]; !exists {
		return fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, tenantID, deviceID)
	}
	delete(s.data, key)
	return nil
}

// ---------------------------------------------------------------------------
// Twin documents
// ---------------------------------------------------------------------------

type memoryTwinStore struct {
	mu   sync.Mutex
	data map[string]model.TwinDocument
}

func (m *MemoryStore) GetTwin(_ context.Context, tenantID, deviceID string) (*model.TwinDocument, error) {
	s := m.twins
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data[compositeKey(tenantID, deviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: twin '%s/%s'", model.ErrNotFound, tenantID, deviceID)
	}
	t.Desired = copyMap(t.Desired)
	t.Reported = copyMap(t.Reported)
	return &t, nil
}

func (m *MemoryStore) UpdateDesired(_ context.Context, tenantID, deviceID string, desired map[string]interface{}, expectedEtag string) (*model.TwinDocument, error) {
	s := m.twins
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(tenantID, deviceID)
	now := time.Now().UTC()

	current, exists := s.data[key]
	if !exists {
		empty := model.EmptyTwin(tenantID, deviceID)
		if expectedEtag != empty.ETag() {
			return nil, fmt.Errorf("%w: etag mismatch for twin '%s/%s'", model.ErrConflict, tenantID, deviceID)
		}
		t := model.TwinDocument{
			TenantID:       tenantID,
			DeviceID:       deviceID,
			Desired:        copyMap(desired),
			DesiredVersion: 1,
			Reported:       map[string]interface{}{},
			UpdatedAt:      now,
		}
		s.data[key] = t
		out := t
		out.Desired = copyMap(t.Desired)
		return &out, nil
	}

	if current.ETag() != expectedEtag {
		return nil, fmt.Errorf("%w: etag mismatch for twin '%s/%s'", model.ErrConflict, tenantID, deviceID)
	}
	current.Desired = copyMap(desired)
	current.DesiredVersion++
	current.UpdatedAt = now
	s.data[key] = current

	out := current
	out.Desired = copyMap(current.Desired)
	out.Reported = copyMap(current.Reported)
	return &out, nil
}

func (m *MemoryStore) ReplaceReported(_ context.Context, tenantID, deviceID string, reported map[string]interface{}, reportedAt time.Time) (*model.TwinDocument, error) {
	s := m.twins
	s.mu.Lock()
	defer s.mu.Unlock()

	key := compositeKey(tenantID, deviceID)
	current, exists := s.data[key]
	if !exists {
		current = model.TwinDocument{
			TenantID: tenantID,
			DeviceID: deviceID,
			Desired:  map[string]interface{}{},
		}
	}
	current.Reported = copyMap(reported)
	current.ReportedVersion++
	current.ReportedAt = reportedAt.UTC()
	current.UpdatedAt = reportedAt.UTC()
	s.data[key] = current

	out := current
	out.Desired = copyMap(current.Desired)
	out.Reported = copyMap(current.Reported)
	return &out, nil
}

// ---------------------------------------------------------------------------
// Command ledger
// ---------------------------------------------------------------------------

type memoryCommandStore struct {
	mu   sync.Mutex
	data map[string]model.DeviceCommand
}

func (m *MemoryStore) InsertCommand(_ context.Context, cmd *model.DeviceCommand) error {
	// Same referential rule the relational schema enforces. The device
	// lock is released before the command lock is taken.
	d := m.devices
	d.mu.RLock()
	_, deviceExists := d.data[compositeKey(cmd.TenantID, cmd.DeviceID)]
	d.mu.RUnlock()
	if !deviceExists {
		return fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, cmd.TenantID, cmd.DeviceID)
	}

	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[cmd.CommandID]; exists {
		return fmt.Errorf("%w: command '%s' already exists", model.ErrConflict, cmd.CommandID)
	}
	s.data[cmd.CommandID] = *cmd
	return nil
}

func (m *MemoryStore) GetCommand(_ context.Context, tenantID, deviceID, commandID string) (*model.DeviceCommand, error) {
	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[commandID]
	if !ok || c.TenantID != tenantID || c.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: command '%s'", model.ErrNotFound, commandID)
	}
	return &c, nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, tenantID, deviceID, commandID string, publishedAt time.Time) (bool, error) {
	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[commandID]
	if !ok || c.TenantID != tenantID || c.DeviceID != deviceID {
		return false, nil
	}
	if c.Status != model.StatusQueued || c.PublishedAt != nil {
		return false, nil
	}
	at := publishedAt.UTC()
	c.PublishedAt = &at
	s.data[commandID] = c
	return true, nil
}

func (m *MemoryStore) AcknowledgeCommand(_ context.Context, tenantID, deviceID, commandID string, details map[string]interface{}, ackedAt time.Time) (bool, error) {
	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[commandID]
	if !ok || c.TenantID != tenantID || c.DeviceID != deviceID {
		return false, nil
	}
	if c.Status != model.StatusQueued {
		return false, nil
	}
	at := ackedAt.UTC()
	c.Status = model.StatusDelivered
	c.AckedAt = &at
	if details != nil {
		c.AckDetails = copyMap(details)
	}
	s.data[commandID] = c
	return true, nil
}

func (m *MemoryStore) ListCommands(_ context.Context, tenantID, deviceID string, status model.CommandStatus, limit int) ([]*model.DeviceCommand, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []model.DeviceCommand{}
	for _, c := range s.data {
		if c.TenantID != tenantID || c.DeviceID != deviceID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		matched = append(matched, c)
	}
	return newestFirst(matched, limit), nil
}

func (m *MemoryStore) ListPendingCommands(_ context.Context, tenantID, deviceID string, now time.Time, limit int) ([]*model.DeviceCommand, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := []model.DeviceCommand{}
	for _, c := range s.data {
		if c.TenantID != tenantID || c.DeviceID != deviceID {
			continue
		}
		if c.Status != model.StatusQueued || !c.ExpiresAt.After(now) {
			continue
		}
		matched = append(matched, c)
	}
	return newestFirst(matched, limit), nil
}

func newestFirst(cmds []model.DeviceCommand, limit int) []*model.DeviceCommand {
	sort.Slice(cmds, func(i, j int) bool {
		if !cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].CreatedAt.After(cmds[j].CreatedAt)
		}
		return cmds[i].CommandID > cmds[j].CommandID
	})
	if len(cmds) > limit {
		cmds = cmds[:limit]
	}
	out := make([]*model.DeviceCommand, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		out = append(out, &c)
	}
	return out
}

func (m *MemoryStore) SweepMissed(_ context.Context, now time.Time) (int64, error) {
	return m.sweep(now, func(c model.DeviceCommand) bool {
		return c.PublishedAt != nil
	}, model.StatusMissed), nil
}

func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	return m.sweep(now, func(c model.DeviceCommand) bool {
		return c.PublishedAt == nil
	}, model.StatusExpired), nil
}

func (m *MemoryStore) sweep(now time.Time, match func(model.DeviceCommand) bool, to model.CommandStatus) int64 {
	s := m.commands
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.data {
		if c.Status != model.StatusQueued || c.ExpiresAt.After(now) || !match(c) {
			continue
		}
		c.Status = to
		s.data[id] = c
		n++
	}
	return n
}
