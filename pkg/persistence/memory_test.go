package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetware/controlplane/pkg/model"
)

// ensureDevice registers the fixture device, tolerating repeat calls
// within one test.
func ensureDevice(t *testing.T, store *MemoryStore, tenantID, deviceID string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateDevice(context.Background(), &model.Device{
		TenantID: tenantID, DeviceID: deviceID, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, model.ErrConflict) {
		t.Fatalf("failed to register device: %v", err)
	}
}

func seedCommand(t *testing.T, store *MemoryStore, id string, expiresAt time.Time) *model.DeviceCommand {
	t.Helper()
	ensureDevice(t, store, "acme", "th-01")
	cmd := &model.DeviceCommand{
		CommandID:   id,
		TenantID:    "acme",
		DeviceID:    "th-01",
		CommandType: "reboot",
		Status:      model.StatusQueued,
		ExpiresAt:   expiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.InsertCommand(context.Background(), cmd))
	return cmd
}

func TestUpdateDesiredFirstWriteRequiresEmptyEtag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.UpdateDesired(ctx, "acme", "th-01", map[string]interface{}{"mode": "auto"}, "bogus")
	assert.ErrorIs(t, err, model.ErrConflict)

	empty := model.EmptyTwin("acme", "th-01")
	doc, err := store.UpdateDesired(ctx, "acme", "th-01", map[string]interface{}{"mode": "auto"}, empty.ETag())
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.DesiredVersion)
	assert.Equal(t, "auto", doc.Desired["mode"])
}

func TestUpdateDesiredCAS(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	empty := model.EmptyTwin("acme", "th-01")
	doc, err := store.UpdateDesired(ctx, "acme", "th-01", map[string]interface{}{"level": 1}, empty.ETag())
	require.NoError(t, err)
	etag := doc.ETag()

	// First writer with the current etag wins.
	winner, err := store.UpdateDesired(ctx, "acme", "th-01", map[string]interface{}{"level": 2}, etag)
	require.NoError(t, err)
	assert.Equal(t, int64(2), winner.DesiredVersion)

	// Second writer holding the same stale etag loses; nothing changes.
	_, err = store.UpdateDesired(ctx, "acme", "th-01", map[string]interface{}{"level": 3}, etag)
	assert.ErrorIs(t, err, model.ErrConflict)

	current, err := store.GetTwin(ctx, "acme", "th-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.DesiredVersion)
	assert.EqualValues(t, 2, current.Desired["level"])
}

func TestUpdateDesiredConcurrentFirstWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	emptyEtag := model.EmptyTwin("acme", "th-01").ETag()

	const writers = 8
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		i := i
		go func() {
			_, err := store.UpdateDesired(ctx, "acme", "th-01",
				map[string]interface{}{"writer": i}, emptyEtag)
			errs <- err
		}()
	}

	var wins, conflicts int
	for i := 0; i < writers; i++ {
		err := <-errs
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one first write may succeed")
	assert.Equal(t, writers-1, conflicts)

	doc, err := store.GetTwin(ctx, "acme", "th-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.DesiredVersion)
}

func TestReplaceReportedCreatesAndIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	doc, err := store.ReplaceReported(ctx, "acme", "th-01", map[string]interface{}{"fw": "1.0"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.ReportedVersion)
	assert.Equal(t, int64(0), doc.DesiredVersion)

	doc, err = store.ReplaceReported(ctx, "acme", "th-01", map[string]interface{}{"fw": "1.1"}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.ReportedVersion)
	assert.Equal(t, "1.1", doc.Reported["fw"])
	// Wholesale replace: old keys do not survive.
	assert.NotContains(t, doc.Reported, "battery")
}

func TestAcknowledgeIsConditionalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cmd := seedCommand(t, store, "cmd-1", time.Now().Add(time.Hour))

	acked, err := store.AcknowledgeCommand(ctx, "acme", "th-01", cmd.CommandID, map[string]interface{}{"result": "ok"}, time.Now())
	require.NoError(t, err)
	assert.True(t, acked)

	// Second ack: zero rows changed, no error.
	acked, err = store.AcknowledgeCommand(ctx, "acme", "th-01", cmd.CommandID, map[string]interface{}{"result": "ok"}, time.Now())
	require.NoError(t, err)
	assert.False(t, acked)

	got, err := store.GetCommand(ctx, "acme", "th-01", cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
	require.NotNil(t, got.AckedAt)
}

func TestAcknowledgeUnknownCommandIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	acked, err := store.AcknowledgeCommand(ctx, "acme", "th-01", "does-not-exist", nil, time.Now())
	require.NoError(t, err)
	assert.False(t, acked)
}

func TestMarkPublishedGuards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cmd := seedCommand(t, store, "cmd-1", time.Now().Add(time.Hour))

	changed, err := store.MarkPublished(ctx, "acme", "th-01", cmd.CommandID, time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	// Already published: no double stamp.
	changed, err = store.MarkPublished(ctx, "acme", "th-01", cmd.CommandID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)

	// Terminalized command: publish confirmation loses.
	late := seedCommand(t, store, "cmd-2", time.Now().Add(time.Hour))
	_, err = store.AcknowledgeCommand(ctx, "acme", "th-01", late.CommandID, nil, time.Now())
	require.NoError(t, err)
	changed, err = store.MarkPublished(ctx, "acme", "th-01", late.CommandID, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSweepPartitionsMissedAndExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	past := time.Now().Add(-time.Minute)

	published := seedCommand(t, store, "cmd-published", past)
	_, err := store.MarkPublished(ctx, "acme", "th-01", published.CommandID, past.Add(-time.Minute))
	require.NoError(t, err)
	unpublished := seedCommand(t, store, "cmd-unpublished", past)
	fresh := seedCommand(t, store, "cmd-fresh", time.Now().Add(time.Hour))

	now := time.Now()
	missed, err := store.SweepMissed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), missed)
	expired, err := store.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	got, _ := store.GetCommand(ctx, "acme", "th-01", published.CommandID)
	assert.Equal(t, model.StatusMissed, got.Status)
	got, _ = store.GetCommand(ctx, "acme", "th-01", unpublished.CommandID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Nil(t, got.AckedAt)
	got, _ = store.GetCommand(ctx, "acme", "th-01", fresh.CommandID)
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestSweepDoesNotTouchDeliveredRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cmd := seedCommand(t, store, "cmd-1", time.Now().Add(-time.Minute))

	acked, err := store.AcknowledgeCommand(ctx, "acme", "th-01", cmd.CommandID, nil, time.Now())
	require.NoError(t, err)
	require.True(t, acked)

	missed, err := store.SweepMissed(ctx, time.Now())
	require.NoError(t, err)
	expired, err := store.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, missed)
	assert.Zero(t, expired)

	got, err := store.GetCommand(ctx, "acme", "th-01", cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDelivered, got.Status)
}

func TestListCommandsNewestFirstWithFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ensureDevice(t, store, "acme", "th-01")
	base := time.Now().UTC()
	for i, id := range []string{"cmd-a", "cmd-b", "cmd-c"} {
		cmd := &model.DeviceCommand{
			CommandID: id, TenantID: "acme", DeviceID: "th-01",
			CommandType: "reboot", Status: model.StatusQueued,
			ExpiresAt: base.Add(time.Hour),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.InsertCommand(ctx, cmd))
	}
	_, err := store.AcknowledgeCommand(ctx, "acme", "th-01", "cmd-b", nil, base)
	require.NoError(t, err)

	all, err := store.ListCommands(ctx, "acme", "th-01", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "cmd-c", all[0].CommandID)
	assert.Equal(t, "cmd-a", all[2].CommandID)

	queued, err := store.ListCommands(ctx, "acme", "th-01", model.StatusQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	limited, err := store.ListCommands(ctx, "acme", "th-01", "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "cmd-c", limited[0].CommandID)
}

func TestListPendingExcludesExpiredAndResolved(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seedCommand(t, store, "cmd-live", time.Now().Add(time.Hour))
	seedCommand(t, store, "cmd-overdue", time.Now().Add(-time.Minute))
	acked := seedCommand(t, store, "cmd-acked", time.Now().Add(time.Hour))
	_, err := store.AcknowledgeCommand(ctx, "acme", "th-01", acked.CommandID, nil, time.Now())
	require.NoError(t, err)

	pending, err := store.ListPendingCommands(ctx, "acme", "th-01", time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "cmd-live", pending[0].CommandID)
}

func TestInsertCommandUnknownDevice(t *testing.T) {
	store := NewMemoryStore()

	err := store.InsertCommand(context.Background(), &model.DeviceCommand{
		CommandID: "cmd-1", TenantID: "acme", DeviceID: "ghost",
		CommandType: "reboot", Status: model.StatusQueued,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCommandTenantIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cmd := seedCommand(t, store, "cmd-1", time.Now().Add(time.Hour))

	_, err := store.GetCommand(ctx, "other-tenant", "th-01", cmd.CommandID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	acked, err := store.AcknowledgeCommand(ctx, "other-tenant", "th-01", cmd.CommandID, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, acked)
}

func TestDeviceCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	d := &model.Device{TenantID: "acme", DeviceID: "th-01", DisplayName: "Thermostat", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateDevice(ctx, d))
	assert.ErrorIs(t, store.CreateDevice(ctx, d), model.ErrConflict)

	got, err := store.GetDevice(ctx, "acme", "th-01")
	require.NoError(t, err)
	assert.Equal(t, "Thermostat", got.DisplayName)

	d.DisplayName = "Thermostat A"
	d.HeartbeatInterval = 2 * time.Minute
	require.NoError(t, store.UpdateDevice(ctx, d))
	got, err = store.GetDevice(ctx, "acme", "th-01")
	require.NoError(t, err)
	assert.Equal(t, "Thermostat A", got.DisplayName)
	assert.Equal(t, 2*time.Minute, got.HeartbeatInterval)
	assert.Equal(t, now, got.CreatedAt)

	require.NoError(t, store.DeleteDevice(ctx, "acme", "th-01"))
	_, err = store.GetDevice(ctx, "acme", "th-01")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
