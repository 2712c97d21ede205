package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 16
)

// ChannelRegistry records which channel id represents an identity.
type ChannelRegistry interface {
	SetChannel(ctx context.Context, identity string, role models.Role, channelID string, ttl time.Duration) error
	ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error
}

// Forwarder hands an event to whichever node holds channelID.
type Forwarder interface {
	Forward(ctx context.Context, channelID string, ev Event) error
}

// HubOptions tunes a Hub. Zero values pick the defaults.
type HubOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

type hubConn struct {
	id       string
	identity string
	role     models.Role
	ws       *websocket.Conn
	send     chan Event
	done     chan struct{}
	once     sync.Once
}

func (c *hubConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Hub owns the websocket push channels held by this node.
type Hub struct {
	registry  ChannelRegistry
	forwarder Forwarder
	opts      HubOptions
	upgrader  websocket.Upgrader
	logger    logger.Logger

	mu    sync.RWMutex
	conns map[string]*hubConn
}

var _ Sender = (*Hub)(nil)

// NewHub creates a hub that records channels in registry.
func NewHub(registry ChannelRegistry, opts HubOptions, log logger.Logger) *Hub {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}

	return &Hub{
		registry: registry,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("hub"),
		conns:  make(map[string]*hubConn),
	}
}

// SetForwarder routes events for channels held by other nodes.
func (h *Hub) SetForwarder(f Forwarder) {
	h.forwarder = f
}

// channelTTL outlives two missed pings.
func (h *Hub) channelTTL() time.Duration {
	return 3 * h.opts.PingInterval
}

// RoleFromQuery maps the ws role parameter to a presence role.
func RoleFromQuery(v string) (models.Role, bool) {
	switch v {
	case "", "agent", string(models.RoleTarget):
		return models.RoleTarget, true
	case "controller", string(models.RoleRequester):
		return models.RoleRequester, true
	default:
		return "", false
	}
}

// ServeHTTP upgrades GET /api/ws?device=<identity>&role=<agent|controller>.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("device")
	if identity == "" {
		http.Error(w, "device parameter is required", http.StatusBadRequest)
		return
	}

	role, ok := RoleFromQuery(r.URL.Query().Get("role"))
	if !ok {
		http.Error(w, "role must be agent or controller", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to WebSocket")
		return
	}

	c := &hubConn{
		id:       uuid.NewString(),
		identity: identity,
		role:     role,
		ws:       ws,
		send:     make(chan Event, h.opts.SendBuffer),
		done:     make(chan struct{}),
	}

	if err := h.registry.SetChannel(r.Context(), identity, role, c.id, h.channelTTL()); err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("Failed to register push channel")
		c.close()

		return
	}

	h.add(c)
	defer h.remove(c)

	h.logger.Info().Str("identity", identity).Str("role", string(role)).Str("channel_id", c.id).
		Str("remote_addr", r.RemoteAddr).Msg("Push channel connected")

	ready, err := NewEvent(EventChannelReady, ChannelReady{ChannelID: c.id})
	if err == nil {
		c.send <- ready
	}

	go h.writePump(c)

	h.readPump(c)
}

func (h *Hub) add(c *hubConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	connectedDevices.Inc()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	connectedDevices.Dec()
	c.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.registry.ClearChannel(ctx, c.identity, c.role, c.id); err != nil {
		h.logger.Warn().Err(err).Str("channel_id", c.id).Msg("Failed to clear push channel")
	}

	h.logger.Info().Str("identity", c.identity).Str("channel_id", c.id).Msg("Push channel disconnected")
}

// readPump discards inbound messages; its job is to notice disconnects and
// refresh the channel mapping on every pong.
func (h *Hub) readPump(c *hubConn) {
	wait := 2 * h.opts.PingInterval

	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.registry.SetChannel(ctx, c.identity, c.role, c.id, h.channelTTL()); err != nil {
			h.logger.Warn().Err(err).Str("channel_id", c.id).Msg("Failed to refresh push channel")
		}

		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Str("channel_id", c.id).Msg("Push channel read failed")
			}

			return
		}
	}
}

func (h *Hub) writePump(c *hubConn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))

			if err := c.ws.WriteJSON(ev); err != nil {
				h.logger.Warn().Err(err).Str("channel_id", c.id).Msg("Push write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Deliver queues ev on a channel held by this node. It reports false if the
// channel is not local.
func (h *Hub) Deliver(ctx context.Context, channelID string, ev Event) (bool, error) {
	h.mu.RLock()
	c := h.conns[channelID]
	h.mu.RUnlock()

	if c == nil {
		return false, nil
	}

	select {
	case c.send <- ev:
		return true, nil
	case <-c.done:
		return true, ErrChannelClosed
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Send delivers locally, or through the forwarder when the channel lives on
// another node.
func (h *Hub) Send(ctx context.Context, channelID string, ev Event) error {
	local, err := h.Deliver(ctx, channelID, ev)
	if local {
		return err
	}

	if h.forwarder != nil {
		return h.forwarder.Forward(ctx, channelID, ev)
	}

	return ErrChannelNotFound
}

// Len returns the number of channels held by this node.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.conns)
}

// Close drops every channel.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}
