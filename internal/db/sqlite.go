package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rviscarra/remotedesk/internal/models"
)

const (
	liteGetDeviceSQL = `SELECT ` + deviceColumns + ` FROM devices WHERE device_code = ?`

	liteRegisterDeviceSQL = `
INSERT INTO devices (device_code, owner_id, name, device_type, online, endpoint, created_at)
VALUES (?, '', ?, ?, 0, ?, ?)
ON CONFLICT (device_code) DO UPDATE SET
	name = excluded.name,
	device_type = excluded.device_type,
	endpoint = CASE WHEN excluded.endpoint <> '' THEN excluded.endpoint ELSE devices.endpoint END`

	liteHeartbeatSQL = `
UPDATE devices SET
	online = 1,
	last_heartbeat = ?1,
	endpoint = CASE WHEN ?2 <> '' THEN ?2 ELSE endpoint END
WHERE device_code = ?3`

	liteSetOfflineSQL = `UPDATE devices SET online = 0 WHERE device_code = ?`

	liteClaimDeviceSQL = `UPDATE devices SET owner_id = ? WHERE device_code = ? AND owner_id = ''`

	liteSetChannelSQL = `
INSERT INTO presence_channels (identity, role, channel_id, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (identity, role) DO UPDATE SET
	channel_id = excluded.channel_id,
	updated_at = excluded.updated_at`

	liteGetChannelSQL = `SELECT channel_id, updated_at FROM presence_channels WHERE identity = ? AND role = ?`

	liteClearChannelSQL = `
DELETE FROM presence_channels
WHERE identity = ?1 AND role = ?2 AND (?3 = '' OR channel_id = ?3)`

	liteCreateRequestSQL = `
INSERT INTO connection_requests (` + requestColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	liteGetRequestSQL = `SELECT ` + requestColumns + ` FROM connection_requests WHERE request_id = ?`

	liteUpdateRequestSQL = `
UPDATE connection_requests SET
	status = ?,
	endpoint = ?,
	approved_at = ?,
	connected_at = ?,
	ended_at = ?,
	end_reason = ?
WHERE request_id = ? AND status = ?`

	litePendingRequestSQL = `SELECT ` + requestColumns + ` FROM connection_requests
WHERE target_code = ? AND status = 'PendingApproval'
ORDER BY requested_at DESC
LIMIT 1`

	liteListPendingBeforeSQL = `SELECT ` + requestColumns + ` FROM connection_requests
WHERE status = 'PendingApproval' AND requested_at < ?
ORDER BY requested_at`
)

// SQLiteStore implements Store on a single SQLite file. It is meant for
// single-node coordinators and tests.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path. The special
// path ":memory:" gives a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:?_foreign_keys=on"

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create db directory: %w", ErrFailedOpenDB, err)
		}

		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	// A single connection serializes writers and keeps an in-memory
	// database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("%w: %w", ErrFailedToInit, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, code models.DeviceCode) (*models.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, liteGetDeviceSQL, string(code)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrDeviceNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: device %s: %w", ErrFailedToQuery, code, err)
	}

	return d, nil
}

func (s *SQLiteStore) RegisterDevice(ctx context.Context, device *models.Device) error {
	if device == nil {
		return ErrDeviceNil
	}

	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, liteRegisterDeviceSQL,
		string(device.Code), device.Name, string(device.Type), device.Endpoint, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: device %s: %w", ErrFailedToInsert, device.Code, err)
	}

	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, code models.DeviceCode, at time.Time, endpoint string) error {
	res, err := s.db.ExecContext(ctx, liteHeartbeatSQL, at.UTC(), endpoint, string(code))
	if err != nil {
		return fmt.Errorf("%w: heartbeat %s: %w", ErrFailedToUpdate, code, err)
	}

	return requireOneRow(res, models.ErrDeviceNotFound)
}

func (s *SQLiteStore) SetOffline(ctx context.Context, code models.DeviceCode) error {
	res, err := s.db.ExecContext(ctx, liteSetOfflineSQL, string(code))
	if err != nil {
		return fmt.Errorf("%w: offline %s: %w", ErrFailedToUpdate, code, err)
	}

	return requireOneRow(res, models.ErrDeviceNotFound)
}

func (s *SQLiteStore) ClaimDevice(ctx context.Context, code models.DeviceCode, ownerID string) error {
	if ownerID == "" {
		return ErrOwnerIDRequired
	}

	res, err := s.db.ExecContext(ctx, liteClaimDeviceSQL, ownerID, string(code))
	if err != nil {
		return fmt.Errorf("%w: claim %s: %w", ErrFailedToUpdate, code, err)
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	if _, err := s.GetDevice(ctx, code); err != nil {
		return err
	}

	return models.ErrAlreadyClaimed
}

func (s *SQLiteStore) SetChannel(ctx context.Context, identity string, role models.Role, channelID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, liteSetChannelSQL, identity, string(role), channelID, at.UTC()); err != nil {
		return fmt.Errorf("%w: channel %s/%s: %w", ErrFailedToInsert, role, identity, err)
	}

	return nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, identity string, role models.Role) (string, time.Time, bool, error) {
	var (
		channelID string
		updatedAt time.Time
	)

	err := s.db.QueryRowContext(ctx, liteGetChannelSQL, identity, string(role)).Scan(&channelID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}

	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("%w: channel %s/%s: %w", ErrFailedToQuery, role, identity, err)
	}

	return channelID, updatedAt.UTC(), true, nil
}

func (s *SQLiteStore) ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error {
	if _, err := s.db.ExecContext(ctx, liteClearChannelSQL, identity, string(role), channelID); err != nil {
		return fmt.Errorf("%w: clear channel %s/%s: %w", ErrFailedToUpdate, role, identity, err)
	}

	return nil
}

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *models.ConnectionRequest) error {
	if req == nil {
		return ErrRequestNil
	}

	_, err := s.db.ExecContext(ctx, liteCreateRequestSQL,
		req.ID,
		string(req.TargetCode),
		req.RequesterID,
		req.RequesterName,
		req.RequesterIP,
		string(req.Status),
		req.Endpoint,
		req.RequestedAt.UTC(),
		ptrNullTime(req.ApprovedAt),
		ptrNullTime(req.ConnectedAt),
		ptrNullTime(req.EndedAt),
		req.EndReason,
	)
	if err != nil {
		return fmt.Errorf("%w: request %s: %w", ErrFailedToInsert, req.ID, err)
	}

	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*models.ConnectionRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, liteGetRequestSQL, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFailedToQuery, id, err)
	}

	return r, nil
}

func (s *SQLiteStore) TransitionRequest(ctx context.Context, id string, tr models.Transition) (*models.ConnectionRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrFailedToUpdate, err)
	}

	defer func() { _ = tx.Rollback() }()

	req, err := scanRequest(tx.QueryRowContext(ctx, liteGetRequestSQL, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFailedToQuery, id, err)
	}

	current := req.Status

	if err := applyTransition(req, tr); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, liteUpdateRequestSQL,
		string(req.Status),
		req.Endpoint,
		ptrNullTime(req.ApprovedAt),
		ptrNullTime(req.ConnectedAt),
		ptrNullTime(req.EndedAt),
		req.EndReason,
		id,
		string(current),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFailedToUpdate, id, err)
	}

	if err := requireOneRow(res, models.ErrInvalidStatus); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrFailedToUpdate, err)
	}

	return req, nil
}

func (s *SQLiteStore) PendingRequest(ctx context.Context, code models.DeviceCode) (*models.ConnectionRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, litePendingRequestSQL, string(code)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: pending for %s: %w", ErrFailedToQuery, code, err)
	}

	return r, nil
}

func (s *SQLiteStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*models.ConnectionRequest, error) {
	rows, err := s.db.QueryContext(ctx, liteListPendingBeforeSQL, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: pending before %s: %w", ErrFailedToQuery, cutoff, err)
	}
	defer rows.Close()

	var out []*models.ConnectionRequest

	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedToQuery, err)
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func requireOneRow(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrFailedToUpdate, err)
	}

	if n != 1 {
		return otherwise
	}

	return nil
}
