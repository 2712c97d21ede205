package db

import (
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

// applyTransition validates tr against the current record and mutates req in
// place. It never touches storage.
func applyTransition(req *models.ConnectionRequest, tr models.Transition) error {
	if len(tr.From) > 0 && !slices.Contains(tr.From, req.Status) {
		return fmt.Errorf("%s -> %s: %w", req.Status, tr.To, models.ErrInvalidStatus)
	}

	if !models.CanTransition(req.Status, tr.To) {
		return fmt.Errorf("%s -> %s: %w", req.Status, tr.To, models.ErrInvalidStatus)
	}

	at := tr.At.UTC()

	req.Status = tr.To

	if tr.Endpoint != "" {
		req.Endpoint = tr.Endpoint
	}

	if tr.EndReason != "" {
		req.EndReason = tr.EndReason
	}

	if tr.StampApprove {
		req.ApprovedAt = &at
	}

	if tr.StampConnect {
		req.ConnectedAt = &at
	}

	if tr.StampEnd {
		req.EndedAt = &at
	}

	return nil
}

func scanDevice(scanFn func(dest ...any) error) (*models.Device, error) {
	var (
		d         models.Device
		code      string
		devType   string
		heartbeat sql.NullTime
	)

	if err := scanFn(&code, &d.OwnerID, &d.Name, &devType, &d.Online, &heartbeat, &d.Endpoint, &d.CreatedAt); err != nil {
		return nil, err
	}

	d.Code = models.DeviceCode(code)
	d.Type = models.DeviceType(devType)

	if heartbeat.Valid {
		d.LastHeartbeat = heartbeat.Time.UTC()
	}

	d.CreatedAt = d.CreatedAt.UTC()

	return &d, nil
}

func scanRequest(scanFn func(dest ...any) error) (*models.ConnectionRequest, error) {
	var (
		r                              models.ConnectionRequest
		target, status                 string
		approved, connected, endedTime sql.NullTime
	)

	if err := scanFn(
		&r.ID,
		&target,
		&r.RequesterID,
		&r.RequesterName,
		&r.RequesterIP,
		&status,
		&r.Endpoint,
		&r.RequestedAt,
		&approved,
		&connected,
		&endedTime,
		&r.EndReason,
	); err != nil {
		return nil, err
	}

	r.TargetCode = models.DeviceCode(target)
	r.Status = models.Status(status)
	r.RequestedAt = r.RequestedAt.UTC()
	r.ApprovedAt = nullTimePtr(approved)
	r.ConnectedAt = nullTimePtr(connected)
	r.EndedAt = nullTimePtr(endedTime)

	return &r, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

func ptrNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}
