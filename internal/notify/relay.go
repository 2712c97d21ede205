package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rviscarra/remotedesk/internal/logger"
)

const (
	DefaultRelaySubject = "remotedesk.push"
	defaultRelayTimeout = 2 * time.Second
)

// Deliverer is implemented by the hub: it delivers to a local channel and
// reports whether the channel was local.
type Deliverer interface {
	Deliver(ctx context.Context, channelID string, ev Event) (bool, error)
}

// NatsRelay fans push events out to the coordinator node that holds the
// channel. Only the owning node replies, so a missing reply means no node
// holds the channel.
type NatsRelay struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
	sub     *nats.Subscription
	logger  logger.Logger
}

var _ Forwarder = (*NatsRelay)(nil)

// NewNatsRelay creates a relay on subjects under prefix.
func NewNatsRelay(nc *nats.Conn, prefix string, log logger.Logger) *NatsRelay {
	if prefix == "" {
		prefix = DefaultRelaySubject
	}

	return &NatsRelay{
		nc:      nc,
		prefix:  prefix,
		timeout: defaultRelayTimeout,
		logger:  log.WithComponent("relay"),
	}
}

func (r *NatsRelay) subject(channelID string) string {
	return r.prefix + "." + channelID
}

// Forward asks the owning node to deliver ev.
func (r *NatsRelay) Forward(ctx context.Context, channelID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(ctx, r.subject(channelID), data)
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ErrChannelNotFound
	}

	if err != nil {
		return fmt.Errorf("relay %s: %w", channelID, err)
	}

	if reply := string(msg.Data); reply != "" {
		return fmt.Errorf("relay %s: %s", channelID, reply)
	}

	return nil
}

// Serve answers relayed events for channels held by d.
func (r *NatsRelay) Serve(d Deliverer) error {
	sub, err := r.nc.Subscribe(r.prefix+".*", func(msg *nats.Msg) {
		channelID := strings.TrimPrefix(msg.Subject, r.prefix+".")

		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Dropping malformed relayed event")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		local, err := d.Deliver(ctx, channelID, ev)
		if !local {
			return
		}

		reply := []byte{}
		if err != nil {
			reply = []byte(err.Error())
		}

		if err := msg.Respond(reply); err != nil {
			r.logger.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to acknowledge relayed event")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.prefix, err)
	}

	r.sub = sub

	return nil
}

// Close stops serving.
func (r *NatsRelay) Close() error {
	if r.sub == nil {
		return nil
	}

	return r.sub.Unsubscribe()
}
