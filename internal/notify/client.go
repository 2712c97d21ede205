package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rviscarra/remotedesk/internal/logger"
)

var defaultBackoff = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// ClientOptions configures a device-side push client.
type ClientOptions struct {
	// URL of the hub endpoint, e.g. ws://coordinator:8080/api/ws.
	URL      string
	Identity string
	// Role is "agent" or "controller".
	Role    string
	Backoff []time.Duration
	Buffer  int
}

// Client keeps a push channel open to the coordinator and reconnects with
// backoff. Received events are delivered on Events in order.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer
	events chan Event
	logger logger.Logger

	mu        sync.Mutex
	channelID string
	ready     chan struct{}
}

// NewClient creates a client; call Run to connect.
func NewClient(opts ClientOptions, log logger.Logger) *Client {
	if len(opts.Backoff) == 0 {
		opts.Backoff = defaultBackoff
	}

	if opts.Buffer <= 0 {
		opts.Buffer = defaultSendBuffer
	}

	return &Client{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		events: make(chan Event, opts.Buffer),
		logger: log.WithComponent("push-client"),
		ready:  make(chan struct{}),
	}
}

// Events returns the stream of received events. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ChannelID returns the channel id of the current connection, if any.
func (c *Client) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channelID
}

// Ready is closed once the first connection has been registered by the hub.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) setChannel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.channelID == "" && id != ""
	c.channelID = id

	if first {
		select {
		case <-c.ready:
		default:
			close(c.ready)
		}
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}

	q := u.Query()
	q.Set("device", c.opts.Identity)

	if c.opts.Role != "" {
		q.Set("role", c.opts.Role)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Run connects and reads until ctx is cancelled, reconnecting on failure.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	target, err := c.endpoint()
	if err != nil {
		return err
	}

	attempt := 0

	for {
		connected, err := c.session(ctx, target)
		if ctx.Err() != nil {
			return nil
		}

		if connected {
			attempt = 0
		}

		delay := c.opts.Backoff[min(attempt, len(c.opts.Backoff)-1)]
		attempt++

		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Push channel lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection and reports whether it got as far as connecting.
func (c *Client) session(ctx context.Context, target string) (bool, error) {
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()
	defer ws.Close()
	defer c.setChannel("")

	c.logger.Info().Str("url", c.opts.URL).Msg("Push channel connected")

	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			return true, err
		}

		if ev.Type == EventChannelReady {
			var ready ChannelReady
			if err := ev.Decode(&ready); err != nil {
				return true, err
			}

			c.setChannel(ready.ChannelID)

			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// WaitReady blocks until the hub has registered the channel.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("push channel not ready"), ctx.Err())
	}
}
