package presence

import (
	"context"
	"time"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
)

const (
	DefaultFreshness = 5 * time.Minute
	DefaultTTL       = 2 * time.Minute
)

// Options tunes a Store. Zero values pick the defaults.
type Options struct {
	// Freshness is how old a heartbeat may be before the identity is
	// considered gone regardless of what the tiers say.
	Freshness time.Duration
	// TTL is used when repopulating the fast tier from the durable tier.
	TTL time.Duration
	Now func() time.Time
}

// Store composes an optional fast tier over an authoritative durable tier.
// Reads go fast first and fall through to durable, repopulating fast on the
// way back. Writes go to durable first; fast-tier failures are logged and
// swallowed.
type Store struct {
	fast      Tier
	durable   Tier
	freshness time.Duration
	ttl       time.Duration
	now       func() time.Time
	logger    logger.Logger
}

var _ Resolver = (*Store)(nil)

// NewStore builds a tiered store. fast may be nil.
func NewStore(fast, durable Tier, opts Options, log logger.Logger) *Store {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		fast:      fast,
		durable:   durable,
		freshness: opts.Freshness,
		ttl:       opts.TTL,
		now:       opts.Now,
		logger:    log.WithComponent("presence"),
	}
}

func (s *Store) fastFailed(op, identity string, err error) {
	fastTierErrors.Inc()
	s.logger.Warn().Err(err).Str("op", op).Str("identity", identity).Msg("Fast tier failed, continuing on durable tier")
}

func (s *Store) fresh(at time.Time) bool {
	return !at.IsZero() && s.now().Sub(at) <= s.freshness
}

// EndpointTier is a tier that can store the reachable endpoint together with
// the heartbeat in one write.
type EndpointTier interface {
	SetOnlineAt(ctx context.Context, identity string, at time.Time, endpoint string) error
}

// SetOnline records a heartbeat for identity.
func (s *Store) SetOnline(ctx context.Context, identity string, ttl time.Duration) error {
	return s.Heartbeat(ctx, identity, "", ttl)
}

// Heartbeat records a heartbeat for identity. A non-empty endpoint is stored
// in the same durable write when the durable tier keeps endpoints.
func (s *Store) Heartbeat(ctx context.Context, identity, endpoint string, ttl time.Duration) error {
	at := s.now()

	var err error
	if et, ok := s.durable.(EndpointTier); ok {
		err = et.SetOnlineAt(ctx, identity, at, endpoint)
	} else {
		err = s.durable.SetOnline(ctx, identity, at, ttl)
	}

	if err != nil {
		return err
	}

	if s.fast != nil {
		if err := s.fast.SetOnline(ctx, identity, at, ttl); err != nil {
			s.fastFailed("set_online", identity, err)
		}
	}

	return nil
}

// SetOffline marks identity offline in both tiers.
func (s *Store) SetOffline(ctx context.Context, identity string) error {
	if err := s.durable.SetOffline(ctx, identity); err != nil {
		return err
	}

	if s.fast != nil {
		if err := s.fast.SetOffline(ctx, identity); err != nil {
			s.fastFailed("set_offline", identity, err)
		}
	}

	return nil
}

func (s *Store) liveness(ctx context.Context, identity string) (Liveness, bool, error) {
	if s.fast != nil {
		l, found, err := s.fast.Liveness(ctx, identity)
		if err != nil {
			s.fastFailed("liveness", identity, err)
		} else if found && l.Online && s.fresh(l.LastSeen) {
			return l, true, nil
		}
	}

	l, found, err := s.durable.Liveness(ctx, identity)
	if err != nil || !found {
		return Liveness{}, false, err
	}

	if s.fast != nil && l.Online && s.fresh(l.LastSeen) {
		if err := s.fast.SetOnline(ctx, identity, l.LastSeen, s.ttl); err != nil {
			s.fastFailed("repopulate_online", identity, err)
		}
	}

	return l, true, nil
}

// IsOnline reports whether identity is online and heartbeated within the
// freshness window.
func (s *Store) IsOnline(ctx context.Context, identity string) (bool, error) {
	l, found, err := s.liveness(ctx, identity)
	if err != nil {
		return false, err
	}

	return found && l.Online && s.fresh(l.LastSeen), nil
}

// SetChannel maps identity acting as role to a push channel.
func (s *Store) SetChannel(ctx context.Context, identity string, role models.Role, channelID string, ttl time.Duration) error {
	at := s.now()

	if err := s.durable.SetChannel(ctx, identity, role, channelID, at, ttl); err != nil {
		return err
	}

	if s.fast != nil {
		if err := s.fast.SetChannel(ctx, identity, role, channelID, at, ttl); err != nil {
			s.fastFailed("set_channel", identity, err)
		}
	}

	return nil
}

// ClearChannel removes the mapping if it still points at channelID. An empty
// channelID clears unconditionally.
func (s *Store) ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error {
	if err := s.durable.ClearChannel(ctx, identity, role, channelID); err != nil {
		return err
	}

	if s.fast != nil {
		if err := s.fast.ClearChannel(ctx, identity, role, channelID); err != nil {
			s.fastFailed("clear_channel", identity, err)
		}
	}

	return nil
}

// GetChannel resolves the push channel for identity acting as role. An entry
// is trusted only if the identity's last heartbeat or the entry itself was
// refreshed within the freshness window; stale durable entries are discarded.
func (s *Store) GetChannel(ctx context.Context, identity string, role models.Role) (string, bool, error) {
	l, liveFound, err := s.liveness(ctx, identity)
	if err != nil {
		return "", false, err
	}

	usable := func(e ChannelEntry) bool {
		if e.ChannelID == "" {
			return false
		}

		latest := e.UpdatedAt
		if liveFound && l.LastSeen.After(latest) {
			latest = l.LastSeen
		}

		return s.fresh(latest)
	}

	if s.fast != nil {
		e, found, err := s.fast.Channel(ctx, identity, role)
		switch {
		case err != nil:
			s.fastFailed("channel", identity, err)
		case found && usable(e):
			return e.ChannelID, true, nil
		case found:
			if err := s.fast.ClearChannel(ctx, identity, role, e.ChannelID); err != nil {
				s.fastFailed("clear_stale_channel", identity, err)
			}
		}
	}

	e, found, err := s.durable.Channel(ctx, identity, role)
	if err != nil || !found {
		return "", false, err
	}

	if !usable(e) {
		s.logger.Debug().Str("identity", identity).Str("role", string(role)).
			Time("updated_at", e.UpdatedAt).Msg("Discarding stale channel mapping")

		if err := s.durable.ClearChannel(ctx, identity, role, e.ChannelID); err != nil {
			return "", false, err
		}

		return "", false, nil
	}

	if s.fast != nil {
		if err := s.fast.SetChannel(ctx, identity, role, e.ChannelID, e.UpdatedAt, s.ttl); err != nil {
			s.fastFailed("repopulate_channel", identity, err)
		}
	}

	return e.ChannelID, true, nil
}
