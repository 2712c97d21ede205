package presence

import (
	"context"
	"errors"
	"time"

	"github.com/rviscarra/remotedesk/internal/db"
	"github.com/rviscarra/remotedesk/internal/models"
)

// DurableTier adapts the database to the Tier interface. TTLs are ignored:
// the durable tier keeps the last heartbeat and staleness is judged against
// the freshness window by the Store.
type DurableTier struct {
	devices  db.DeviceStore
	channels db.ChannelStore
}

var _ Tier = (*DurableTier)(nil)

// NewDurableTier wraps the given stores.
func NewDurableTier(devices db.DeviceStore, channels db.ChannelStore) *DurableTier {
	return &DurableTier{devices: devices, channels: channels}
}

var _ EndpointTier = (*DurableTier)(nil)

func (d *DurableTier) SetOnline(ctx context.Context, identity string, at time.Time, _ time.Duration) error {
	return d.SetOnlineAt(ctx, identity, at, "")
}

// SetOnlineAt stamps the heartbeat and, when endpoint is set, replaces the
// stored endpoint.
func (d *DurableTier) SetOnlineAt(ctx context.Context, identity string, at time.Time, endpoint string) error {
	return d.devices.Heartbeat(ctx, models.DeviceCode(identity), at, endpoint)
}

func (d *DurableTier) SetOffline(ctx context.Context, identity string) error {
	return d.devices.SetOffline(ctx, models.DeviceCode(identity))
}

func (d *DurableTier) Liveness(ctx context.Context, identity string) (Liveness, bool, error) {
	dev, err := d.devices.GetDevice(ctx, models.DeviceCode(identity))
	if errors.Is(err, models.ErrDeviceNotFound) {
		return Liveness{}, false, nil
	}

	if err != nil {
		return Liveness{}, false, err
	}

	return Liveness{Online: dev.Online, LastSeen: dev.LastHeartbeat}, true, nil
}

func (d *DurableTier) SetChannel(ctx context.Context, identity string, role models.Role, channelID string, at time.Time, _ time.Duration) error {
	return d.channels.SetChannel(ctx, identity, role, channelID, at)
}

func (d *DurableTier) Channel(ctx context.Context, identity string, role models.Role) (ChannelEntry, bool, error) {
	id, updatedAt, found, err := d.channels.GetChannel(ctx, identity, role)
	if err != nil || !found {
		return ChannelEntry{}, false, err
	}

	return ChannelEntry{ChannelID: id, UpdatedAt: updatedAt}, true, nil
}

func (d *DurableTier) ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error {
	return d.channels.ClearChannel(ctx, identity, role, channelID)
}
