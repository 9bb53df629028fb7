// pkg/persistence/postgres.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/fleetware/controlplane/pkg/model"
)

// defaultListLimit bounds command listings when the caller does not supply
// a limit.
const defaultListLimit = 50

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on PostgreSQL via a pgx connection pool.
// All command state transitions are single conditional UPDATE statements;
// no transaction ever spans a network call to the transport.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  logrus.FieldLogger
}

// NewPostgresStore connects to the database identified by dsn and verifies
// the connection with a ping.
func NewPostgresStore(ctx context.Context, dsn string, log logrus.FieldLogger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	log.Info("postgres connection established")
	return &PostgresStore{pool: pool, log: log}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- DeviceStore ---

func (s *PostgresStore) CreateDevice(ctx context.Context, d *model.Device) error {
	query := `
        INSERT INTO devices (tenant_id, device_id, display_name, heartbeat_interval_seconds, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		d.TenantID, d.DeviceID, d.DisplayName,
		int64(d.HeartbeatInterval/time.Second), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: device '%s/%s' already exists", model.ErrConflict, d.TenantID, d.DeviceID)
		}
		return fmt.Errorf("failed to insert device: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, tenantID, deviceID string) (*model.Device, error) {
	query := `
        SELECT tenant_id, device_id, display_name, heartbeat_interval_seconds, created_at, updated_at
        FROM devices
        WHERE tenant_id = $1 AND device_id = $2`

	d := &model.Device{}
	var heartbeatSec int64
	err := s.pool.QueryRow(ctx, query, tenantID, deviceID).Scan(
		&d.TenantID, &d.DeviceID, &d.DisplayName, &heartbeatSec, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, tenantID, deviceID)
		}
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	d.HeartbeatInterval = time.Duration(heartbeatSec) * time.Second
	return d, nil
}

func (s *PostgresStore) ListDevices(ctx context.Context, tenantID string) ([]*model.Device, error) {
	query := `
        SELECT tenant_id, device_id, display_name, heartbeat_interval_seconds, created_at, updated_at
        FROM devices
        WHERE tenant_id = $1
        ORDER BY device_id ASC`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := []*model.Device{}
	for rows.Next() {
		d := &model.Device{}
		var heartbeatSec int64
		if err := rows.Scan(&d.TenantID, &d.DeviceID, &d.DisplayName, &heartbeatSec, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		d.HeartbeatInterval = time.Duration(heartbeatSec) * time.Second
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}
	return devices, nil
}

func (s *PostgresStore) UpdateDevice(ctx context.Context, d *model.Device) error {
	query := `
        UPDATE devices
        SET display_name = $3, heartbeat_interval_seconds = $4, updated_at = $5
        WHERE tenant_id = $1 AND device_id = $2`

	cmdTag, err := s.pool.Exec(ctx, query,
		d.TenantID, d.DeviceID, d.DisplayName,
		int64(d.HeartbeatInterval/time.Second), d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, d.TenantID, d.DeviceID)
	}
	return nil
}

func (s *PostgresStore) DeleteDevice(ctx context.Context, tenantID, deviceID string) error {
	cmdTag, err := s.pool.Exec(ctx,
		`DELETE FROM devices WHERE tenant_id = $1 AND device_id = $2`, tenantID, deviceID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" { // foreign_key_violation
			return fmt.Errorf("%w: device '%s/%s' still has commands", model.ErrConflict, tenantID, deviceID)
		}
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, tenantID, deviceID)
	}
	return nil
}

// --- TwinStore ---

// scanTwin reads a twin document from a row, unmarshalling the JSONB sides
// through intermediary byte slices.
func scanTwin(scanner pgx.Row) (*model.TwinDocument, error) {
	t := &model.TwinDocument{}
	var desiredBytes, reportedBytes []byte
	var reportedAt pgtype.Timestamptz

	err := scanner.Scan(
		&t.TenantID,
		&t.DeviceID,
		&desiredBytes,
		&t.DesiredVersion,
		&reportedBytes,
		&t.ReportedVersion,
		&reportedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if desiredBytes != nil {
		if err := json.Unmarshal(desiredBytes, &t.Desired); err != nil {
			return nil, fmt.Errorf("failed to unmarshal desired: %w", err)
		}
	}
	if t.Desired == nil {
		t.Desired = map[string]interface{}{}
	}
	if reportedBytes != nil {
		if err := json.Unmarshal(reportedBytes, &t.Reported); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reported: %w", err)
		}
	}
	if t.Reported == nil {
		t.Reported = map[string]interface{}{}
	}
	if reportedAt.Valid {
		t.ReportedAt = reportedAt.Time
	}
	return t, nil
}

const twinColumns = `tenant_id, device_id, desired, desired_version, reported, reported_version, reported_at, updated_at`

func (s *PostgresStore) GetTwin(ctx context.Context, tenantID, deviceID string) (*model.TwinDocument, error) {
	query := `SELECT ` + twinColumns + ` FROM twin_documents WHERE tenant_id = $1 AND device_id = $2`

	twin, err := scanTwin(s.pool.QueryRow(ctx, query, tenantID, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: twin '%s/%s'", model.ErrNotFound, tenantID, deviceID)
		}
		return nil, fmt.Errorf("failed to find twin: %w", err)
	}
	return twin, nil
}

// UpdateDesired is the compare-and-swap write. The read and the write run
// in one transaction with the row locked, so two racing writers serialize
// and the loser sees the winner's etag and fails with ErrConflict.
func (s *PostgresStore) UpdateDesired(ctx context.Context, tenantID, deviceID string, desired map[string]interface{}, expectedEtag string) (*model.TwinDocument, error) {
	desiredJSON, err := marshalObject(desired)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal desired: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	selectQuery := `SELECT ` + twinColumns + ` FROM twin_documents WHERE tenant_id = $1 AND device_id = $2 FOR UPDATE`
	current, err := scanTwin(tx.QueryRow(ctx, selectQuery, tenantID, deviceID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First desired write: the caller must present the etag of the
		// synthesized empty document.
		empty := model.EmptyTwin(tenantID, deviceID)
		if expectedEtag != empty.ETag() {
			return nil, fmt.Errorf("%w: etag mismatch for twin '%s/%s'", model.ErrConflict, tenantID, deviceID)
		}
		insertQuery := `
            INSERT INTO twin_documents (tenant_id, device_id, desired, desired_version, reported, reported_version, reported_at, updated_at)
            VALUES ($1, $2, $3, 1, '{}', 0, NULL, $4)
            RETURNING ` + twinColumns
		twin, err := scanTwin(tx.QueryRow(ctx, insertQuery, tenantID, deviceID, desiredJSON, now))
		if err != nil {
			// Two first-writers race past the empty-row check (FOR UPDATE
			// has no row to lock); the loser's unique violation is the
			// conflict the caller retries on.
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return nil, fmt.Errorf("%w: etag mismatch for twin '%s/%s'", model.ErrConflict, tenantID, deviceID)
			}
			return nil, fmt.Errorf("failed to insert twin: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit twin insert: %w", err)
		}
		return twin, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read twin for update: %w", err)
	}

	if current.ETag() != expectedEtag {
		return nil, fmt.Errorf("%w: etag mismatch for twin '%s/%s'", model.ErrConflict, tenantID, deviceID)
	}

	updateQuery := `
        UPDATE twin_documents
        SET desired = $3, desired_version = desired_version + 1, updated_at = $4
        WHERE tenant_id = $1 AND device_id = $2
        RETURNING ` + twinColumns
	twin, err := scanTwin(tx.QueryRow(ctx, updateQuery, tenantID, deviceID, desiredJSON, now))
	if err != nil {
		return nil, fmt.Errorf("failed to update desired state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit desired update: %w", err)
	}
	return twin, nil
}

func (s *PostgresStore) ReplaceReported(ctx context.Context, tenantID, deviceID string, reported map[string]interface{}, reportedAt time.Time) (*model.TwinDocument, error) {
	reportedJSON, err := marshalObject(reported)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reported: %w", err)
	}

	// Wholesale replace; first report creates the row with an empty
	// desired side at version 0.
	query := `
        INSERT INTO twin_documents (tenant_id, device_id, desired, desired_version, reported, reported_version, reported_at, updated_at)
        VALUES ($1, $2, '{}', 0, $3, 1, $4, $4)
        ON CONFLICT (tenant_id, device_id) DO UPDATE
        SET reported = EXCLUDED.reported,
            reported_version = twin_documents.reported_version + 1,
            reported_at = EXCLUDED.reported_at,
            updated_at = EXCLUDED.updated_at
        RETURNING ` + twinColumns

	twin, err := scanTwin(s.pool.QueryRow(ctx, query, tenantID, deviceID, reportedJSON, reportedAt.UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to replace reported state: %w", err)
	}
	return twin, nil
}

// --- CommandStore ---

func scanCommand(scanner pgx.Row) (*model.DeviceCommand, error) {
	c := &model.DeviceCommand{}
	var paramsBytes, ackBytes []byte
	var publishedAt, ackedAt pgtype.Timestamptz

	err := scanner.Scan(
		&c.CommandID,
		&c.TenantID,
		&c.DeviceID,
		&c.CommandType,
		&paramsBytes,
		&c.Status,
		&publishedAt,
		&ackedAt,
		&ackBytes,
		&c.ExpiresAt,
		&c.CreatedBy,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if paramsBytes != nil {
		if err := json.Unmarshal(paramsBytes, &c.CommandParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal command_params: %w", err)
		}
	}
	if ackBytes != nil {
		if err := json.Unmarshal(ackBytes, &c.AckDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ack_details: %w", err)
		}
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		c.PublishedAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time
		c.AckedAt = &t
	}
	return c, nil
}

const commandColumns = `command_id, tenant_id, device_id, command_type, command_params, status, published_at, acked_at, ack_details, expires_at, created_by, created_at`

func (s *PostgresStore) InsertCommand(ctx context.Context, cmd *model.DeviceCommand) error {
	paramsJSON, err := marshalObject(cmd.CommandParams)
	if err != nil {
		return fmt.Errorf("failed to marshal command_params: %w", err)
	}

	query := `
        INSERT INTO device_commands
            (command_id, tenant_id, device_id, command_type, command_params, status, expires_at, created_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.pool.Exec(ctx, query,
		cmd.CommandID, cmd.TenantID, cmd.DeviceID, cmd.CommandType,
		paramsJSON, cmd.Status, cmd.ExpiresAt, cmd.CreatedBy, cmd.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // unique_violation
				return fmt.Errorf("%w: command '%s' already exists", model.ErrConflict, cmd.CommandID)
			case "23503": // foreign_key_violation: device row missing
				return fmt.Errorf("%w: device '%s/%s'", model.ErrNotFound, cmd.TenantID, cmd.DeviceID)
			}
		}
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, tenantID, deviceID, commandID string) (*model.DeviceCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM device_commands
        WHERE tenant_id = $1 AND device_id = $2 AND command_id = $3`

	cmd, err := scanCommand(s.pool.QueryRow(ctx, query, tenantID, deviceID, commandID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: command '%s'", model.ErrNotFound, commandID)
		}
		return nil, fmt.Errorf("failed to find command: %w", err)
	}
	return cmd, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, tenantID, deviceID, commandID string, publishedAt time.Time) (bool, error) {
	// The status guard protects against a sweep terminalizing the command
	// between publish and confirmation.
	query := `
        UPDATE device_commands
        SET published_at = $4
        WHERE tenant_id = $1 AND device_id = $2 AND command_id = $3
          AND status = 'queued' AND published_at IS NULL`

	cmdTag, err := s.pool.Exec(ctx, query, tenantID, deviceID, commandID, publishedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark command published: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func (s *PostgresStore) AcknowledgeCommand(ctx context.Context, tenantID, deviceID, commandID string, details map[string]interface{}, ackedAt time.Time) (bool, error) {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return false, fmt.Errorf("failed to marshal ack_details: %w", err)
		}
	}

	query := `
        UPDATE device_commands
        SET status = 'delivered', acked_at = $4, ack_details = $5
        WHERE tenant_id = $1 AND device_id = $2 AND command_id = $3
          AND status = 'queued'`

	cmdTag, err := s.pool.Exec(ctx, query, tenantID, deviceID, commandID, ackedAt.UTC(), detailsJSON)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge command: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListCommands(ctx context.Context, tenantID, deviceID string, status model.CommandStatus, limit int) ([]*model.DeviceCommand, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + commandColumns + ` FROM device_commands
        WHERE tenant_id = $1 AND device_id = $2`
	args := []interface{}{tenantID, deviceID}
	if status != "" {
		query += ` AND status = $3`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	return s.queryCommands(ctx, query, args...)
}

func (s *PostgresStore) ListPendingCommands(ctx context.Context, tenantID, deviceID string, now time.Time, limit int) ([]*model.DeviceCommand, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + commandColumns + ` FROM device_commands
        WHERE tenant_id = $1 AND device_id = $2 AND status = 'queued' AND expires_at > $3
        ORDER BY created_at DESC LIMIT $4`

	return s.queryCommands(ctx, query, tenantID, deviceID, now.UTC(), limit)
}

func (s *PostgresStore) queryCommands(ctx context.Context, query string, args ...interface{}) ([]*model.DeviceCommand, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	commands := []*model.DeviceCommand{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}
	return commands, nil
}

func (s *PostgresStore) SweepMissed(ctx context.Context, now time.Time) (int64, error) {
	query := `
        UPDATE device_commands
        SET status = 'missed'
        WHERE status = 'queued' AND expires_at <= $1 AND published_at IS NOT NULL`

	cmdTag, err := s.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep missed commands: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
        UPDATE device_commands
        SET status = 'expired'
        WHERE status = 'queued' AND expires_at <= $1 AND published_at IS NULL`

	cmdTag, err := s.pool.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired commands: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// marshalObject marshals a JSON object map, defaulting a nil map to "{}"
// so JSONB columns stay non-null.
func marshalObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
