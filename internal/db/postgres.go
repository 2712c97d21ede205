package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
)

const (
	pgGetDeviceSQL = `SELECT ` + deviceColumns + ` FROM devices WHERE device_code = $1`

	pgRegisterDeviceSQL = `
INSERT INTO devices (device_code, owner_id, name, device_type, online, endpoint, created_at)
VALUES ($1, '', $2, $3, FALSE, $4, $5)
ON CONFLICT (device_code) DO UPDATE SET
	name = EXCLUDED.name,
	device_type = EXCLUDED.device_type,
	endpoint = CASE WHEN EXCLUDED.endpoint <> '' THEN EXCLUDED.endpoint ELSE devices.endpoint END`

	pgHeartbeatSQL = `
UPDATE devices SET
	online = TRUE,
	last_heartbeat = $2,
	endpoint = CASE WHEN $3 <> '' THEN $3 ELSE endpoint END
WHERE device_code = $1`

	pgSetOfflineSQL = `UPDATE devices SET online = FALSE WHERE device_code = $1`

	pgClaimDeviceSQL = `UPDATE devices SET owner_id = $2 WHERE device_code = $1 AND owner_id = ''`

	pgSetChannelSQL = `
INSERT INTO presence_channels (identity, role, channel_id, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (identity, role) DO UPDATE SET
	channel_id = EXCLUDED.channel_id,
	updated_at = EXCLUDED.updated_at`

	pgGetChannelSQL = `SELECT channel_id, updated_at FROM presence_channels WHERE identity = $1 AND role = $2`

	pgClearChannelSQL = `
DELETE FROM presence_channels
WHERE identity = $1 AND role = $2 AND ($3 = '' OR channel_id = $3)`

	pgCreateRequestSQL = `
INSERT INTO connection_requests (` + requestColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	pgGetRequestSQL = `SELECT ` + requestColumns + ` FROM connection_requests WHERE request_id = $1`

	pgLockRequestSQL = pgGetRequestSQL + ` FOR UPDATE`

	pgUpdateRequestSQL = `
UPDATE connection_requests SET
	status = $2,
	endpoint = $3,
	approved_at = $4,
	connected_at = $5,
	ended_at = $6,
	end_reason = $7
WHERE request_id = $1 AND status = $8`

	pgPendingRequestSQL = `SELECT ` + requestColumns + ` FROM connection_requests
WHERE target_code = $1 AND status = 'PendingApproval'
ORDER BY requested_at DESC
LIMIT 1`

	pgListPendingBeforeSQL = `SELECT ` + requestColumns + ` FROM connection_requests
WHERE status = 'PendingApproval' AND requested_at < $1
ORDER BY requested_at`
)

// PostgresConfig holds the connection settings for the Postgres store.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int32         `yaml:"max_connections"`
	MinConnections  int32         `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore dials the database, applies the schema and returns the store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, log logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse connection string: %w", ErrFailedOpenDB, err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}

	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()

		return nil, fmt.Errorf("%w: %w", ErrFailedToInit, err)
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Uint16("port", poolConfig.ConnConfig.Port).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("connected to postgres")

	return &PostgresStore{pool: pool, logger: log}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()

	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, code models.DeviceCode) (*models.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, pgGetDeviceSQL, string(code)).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrDeviceNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: device %s: %w", ErrFailedToQuery, code, err)
	}

	return d, nil
}

func (s *PostgresStore) RegisterDevice(ctx context.Context, device *models.Device) error {
	if device == nil {
		return ErrDeviceNil
	}

	createdAt := device.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, pgRegisterDeviceSQL,
		string(device.Code), device.Name, string(device.Type), device.Endpoint, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: device %s: %w", ErrFailedToInsert, device.Code, err)
	}

	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, code models.DeviceCode, at time.Time, endpoint string) error {
	tag, err := s.pool.Exec(ctx, pgHeartbeatSQL, string(code), at.UTC(), endpoint)
	if err != nil {
		return fmt.Errorf("%w: heartbeat %s: %w", ErrFailedToUpdate, code, err)
	}

	if tag.RowsAffected() == 0 {
		return models.ErrDeviceNotFound
	}

	return nil
}

func (s *PostgresStore) SetOffline(ctx context.Context, code models.DeviceCode) error {
	tag, err := s.pool.Exec(ctx, pgSetOfflineSQL, string(code))
	if err != nil {
		return fmt.Errorf("%w: offline %s: %w", ErrFailedToUpdate, code, err)
	}

	if tag.RowsAffected() == 0 {
		return models.ErrDeviceNotFound
	}

	return nil
}

func (s *PostgresStore) ClaimDevice(ctx context.Context, code models.DeviceCode, ownerID string) error {
	if ownerID == "" {
		return ErrOwnerIDRequired
	}

	tag, err := s.pool.Exec(ctx, pgClaimDeviceSQL, string(code), ownerID)
	if err != nil {
		return fmt.Errorf("%w: claim %s: %w", ErrFailedToUpdate, code, err)
	}

	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.GetDevice(ctx, code); err != nil {
		return err
	}

	return models.ErrAlreadyClaimed
}

func (s *PostgresStore) SetChannel(ctx context.Context, identity string, role models.Role, channelID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, pgSetChannelSQL, identity, string(role), channelID, at.UTC()); err != nil {
		return fmt.Errorf("%w: channel %s/%s: %w", ErrFailedToInsert, role, identity, err)
	}

	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, identity string, role models.Role) (string, time.Time, bool, error) {
	var (
		channelID string
		updatedAt time.Time
	)

	err := s.pool.QueryRow(ctx, pgGetChannelSQL, identity, string(role)).Scan(&channelID, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, false, nil
	}

	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("%w: channel %s/%s: %w", ErrFailedToQuery, role, identity, err)
	}

	return channelID, updatedAt.UTC(), true, nil
}

func (s *PostgresStore) ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error {
	if _, err := s.pool.Exec(ctx, pgClearChannelSQL, identity, string(role), channelID); err != nil {
		return fmt.Errorf("%w: clear channel %s/%s: %w", ErrFailedToUpdate, role, identity, err)
	}

	return nil
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req *models.ConnectionRequest) error {
	if req == nil {
		return ErrRequestNil
	}

	_, err := s.pool.Exec(ctx, pgCreateRequestSQL,
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

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ConnectionRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, pgGetRequestSQL, id).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFailedToQuery, id, err)
	}

	return r, nil
}

func (s *PostgresStore) TransitionRequest(ctx context.Context, id string, tr models.Transition) (*models.ConnectionRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrFailedToUpdate, err)
	}

	defer func() { _ = tx.Rollback(ctx) }()

	req, err := scanRequest(tx.QueryRow(ctx, pgLockRequestSQL, id).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFailedToQuery, id, err)
	}

	current := req.Status

	if err := applyTransition(req, tr); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, pgUpdateRequestSQL,
		id,
		string(req.Status),
		req.Endpoint,
		ptrNullTime(req.ApprovedAt),
		ptrNullTime(req.ConnectedAt),
		ptrNullTime(req.EndedAt),
		req.EndReason,
		string(current),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: request %s: %w", ErrFailedToUpdate, id, err)
	}

	if tag.RowsAffected() != 1 {
		return nil, models.ErrInvalidStatus
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrFailedToUpdate, err)
	}

	return req, nil
}

func (s *PostgresStore) PendingRequest(ctx context.Context, code models.DeviceCode) (*models.ConnectionRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, pgPendingRequestSQL, string(code)).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: pending for %s: %w", ErrFailedToQuery, code, err)
	}

	return r, nil
}

func (s *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*models.ConnectionRequest, error) {
	rows, err := s.pool.Query(ctx, pgListPendingBeforeSQL, cutoff.UTC())
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
