// Package presence tracks which devices are reachable and which push channel
// represents them. A fast, advisory tier is layered over the durable tier.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

var (
	ErrFastTierUnavailable = errors.New("presence fast tier unavailable")
)

// Liveness is what a tier knows about one identity.
type Liveness struct {
	Online   bool
	LastSeen time.Time
}

// ChannelEntry is a channel mapping and when it was last written.
type ChannelEntry struct {
	ChannelID string
	UpdatedAt time.Time
}

// Tier is one layer of the presence store. Lookups report found=false on a
// miss rather than an error.
type Tier interface {
	SetOnline(ctx context.Context, identity string, at time.Time, ttl time.Duration) error
	SetOffline(ctx context.Context, identity string) error
	Liveness(ctx context.Context, identity string) (Liveness, bool, error)

	SetChannel(ctx context.Context, identity string, role models.Role, channelID string, at time.Time, ttl time.Duration) error
	Channel(ctx context.Context, identity string, role models.Role) (ChannelEntry, bool, error)
	ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error
}

// Resolver is the read surface the negotiator depends on.
type Resolver interface {
	IsOnline(ctx context.Context, identity string) (bool, error)
	GetChannel(ctx context.Context, identity string, role models.Role) (string, bool, error)
}
