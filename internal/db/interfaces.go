// Package db is the durable tier: device records, presence channel
// mappings and the connection request audit trail.
package db

import (
	"context"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

// Store is the authoritative persistence layer. All status changes to a
// connection request go through TransitionRequest, which is a compare-and-set
// on the current status.
type Store interface {
	DeviceStore
	ChannelStore
	RequestStore

	Close() error
}

// DeviceStore persists device registration, liveness and ownership.
type DeviceStore interface {
	// GetDevice returns models.ErrDeviceNotFound when the code is unknown.
	GetDevice(ctx context.Context, code models.DeviceCode) (*models.Device, error)

	// RegisterDevice inserts the device or refreshes its name, type and
	// endpoint. Ownership is never touched.
	RegisterDevice(ctx context.Context, device *models.Device) error

	// Heartbeat marks the device online and stamps last_heartbeat. A non-empty
	// endpoint replaces the stored one.
	Heartbeat(ctx context.Context, code models.DeviceCode, at time.Time, endpoint string) error

	// SetOffline clears the online flag.
	SetOffline(ctx context.Context, code models.DeviceCode) error

	// ClaimDevice binds owner to an unowned device. Returns
	// models.ErrAlreadyClaimed if an owner is already set.
	ClaimDevice(ctx context.Context, code models.DeviceCode, ownerID string) error
}

// ChannelStore maps an identity and role to a push channel id.
type ChannelStore interface {
	SetChannel(ctx context.Context, identity string, role models.Role, channelID string, at time.Time) error

	// GetChannel reports found=false when there is no mapping.
	GetChannel(ctx context.Context, identity string, role models.Role) (channelID string, updatedAt time.Time, found bool, err error)

	// ClearChannel removes the mapping. When channelID is non-empty the
	// mapping is only removed if it still points at that channel.
	ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error
}

// RequestStore persists connection requests.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.ConnectionRequest) error

	// GetRequest returns models.ErrRequestNotFound when the id is unknown.
	GetRequest(ctx context.Context, id string) (*models.ConnectionRequest, error)

	// TransitionRequest applies tr if the current status is one of tr.From
	// and the edge is allowed; otherwise it returns models.ErrInvalidStatus
	// and leaves the record unchanged.
	TransitionRequest(ctx context.Context, id string, tr models.Transition) (*models.ConnectionRequest, error)

	// PendingRequest returns the newest request awaiting approval for the
	// device, or nil.
	PendingRequest(ctx context.Context, code models.DeviceCode) (*models.ConnectionRequest, error)

	// ListPendingBefore returns requests still awaiting approval that were
	// created before cutoff.
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*models.ConnectionRequest, error)
}
