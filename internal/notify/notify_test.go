package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
)

type registryKey struct {
	identity string
	role     models.Role
}

type fakeRegistry struct {
	mu       sync.Mutex
	channels map[registryKey]string
	sets     int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{channels: make(map[registryKey]string)}
}

func (f *fakeRegistry) SetChannel(_ context.Context, identity string, role models.Role, channelID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.channels[registryKey{identity, role}] = channelID
	f.sets++

	return nil
}

func (f *fakeRegistry) ClearChannel(_ context.Context, identity string, role models.Role, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := registryKey{identity, role}
	if channelID == "" || f.channels[k] == channelID {
		delete(f.channels, k)
	}

	return nil
}

func (f *fakeRegistry) get(identity string, role models.Role) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.channels[registryKey{identity, role}]
}

func startHub(t *testing.T, reg ChannelRegistry, opts HubOptions) (*Hub, string) {
	t.Helper()

	hub := NewHub(reg, opts, logger.NewTestLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, url, identity, role string) (*Client, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(ClientOptions{
		URL:      url,
		Identity: identity,
		Role:     role,
		Backoff:  []time.Duration{20 * time.Millisecond},
	}, logger.NewTestLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitReady(waitCtx))

	return c, cancel
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()

	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHubRegistersAndDelivers(t *testing.T) {
	reg := newFakeRegistry()
	hub, url := startHub(t, reg, HubOptions{})

	c, _ := startClient(t, url, "123456789", "agent")

	channelID := c.ChannelID()
	require.NotEmpty(t, channelID)
	assert.Equal(t, channelID, reg.get("123456789", models.RoleTarget))
	assert.Equal(t, 1, hub.Len())

	req := &models.ConnectionRequest{
		ID:            "req-1",
		TargetCode:    "123456789",
		RequesterName: "alice",
		RequestedAt:   time.Now().UTC(),
	}

	ev, err := RequestEvent(req)
	require.NoError(t, err)
	require.NoError(t, hub.Send(context.Background(), channelID, ev))

	got := receive(t, c)
	require.Equal(t, EventConnectionRequest, got.Type)

	var payload ConnectionRequest
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "req-1", payload.RequestID)
	assert.Equal(t, "alice", payload.RequesterName)
}

func TestHubPreservesOrder(t *testing.T) {
	hub, url := startHub(t, newFakeRegistry(), HubOptions{})
	c, _ := startClient(t, url, "ctl-1", "controller")

	statuses := []models.Status{models.StatusConnecting, models.StatusConnected, models.StatusEnded}
	for _, s := range statuses {
		ev, err := ResponseEvent(&models.ConnectionRequest{ID: "r", Status: s})
		require.NoError(t, err)
		require.NoError(t, hub.Send(context.Background(), c.ChannelID(), ev))
	}

	for _, want := range statuses {
		var resp ConnectionResponse
		require.NoError(t, receive(t, c).Decode(&resp))
		assert.Equal(t, want, resp.Status)
	}
}

func TestHubClearsChannelOnDisconnect(t *testing.T) {
	reg := newFakeRegistry()
	hub, url := startHub(t, reg, HubOptions{})

	c, cancel := startClient(t, url, "123456789", "agent")
	channelID := c.ChannelID()

	cancel()

	require.Eventually(t, func() bool {
		return reg.get("123456789", models.RoleTarget) == "" && hub.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	ev, err := NewEvent(EventConnectionResponse, ConnectionResponse{RequestID: "x"})
	require.NoError(t, err)
	require.ErrorIs(t, hub.Send(context.Background(), channelID, ev), ErrChannelNotFound)
}

func TestHubRefreshesChannelOnPong(t *testing.T) {
	reg := newFakeRegistry()
	_, url := startHub(t, reg, HubOptions{PingInterval: 20 * time.Millisecond})

	startClient(t, url, "123456789", "agent")

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()

		return reg.sets >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubRejectsBadParameters(t *testing.T) {
	hub := NewHub(newFakeRegistry(), HubOptions{}, logger.NewTestLogger())

	for _, target := range []string{"/api/ws", "/api/ws?device=1&role=root"} {
		rec := httptest.NewRecorder()
		hub.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		assert.Equal(t, 400, rec.Code, target)
	}
}

func TestRoleFromQuery(t *testing.T) {
	for in, want := range map[string]models.Role{
		"":           models.RoleTarget,
		"agent":      models.RoleTarget,
		"target":     models.RoleTarget,
		"controller": models.RoleRequester,
		"requester":  models.RoleRequester,
	} {
		got, ok := RoleFromQuery(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := RoleFromQuery("admin")
	assert.False(t, ok)
}

func TestResponseEventAccepted(t *testing.T) {
	for status, accepted := range map[models.Status]bool{
		models.StatusConnecting: true,
		models.StatusConnected:  true,
		models.StatusRejected:   false,
		models.StatusExpired:    false,
	} {
		ev, err := ResponseEvent(&models.ConnectionRequest{ID: "r", Status: status, Endpoint: "10.0.0.5:8888"})
		require.NoError(t, err)

		var resp ConnectionResponse
		require.NoError(t, ev.Decode(&resp))
		assert.Equal(t, accepted, resp.Accepted, status)
	}
}

func runNatsServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}

func TestRelayDeliversAcrossHubs(t *testing.T) {
	srv := runNatsServer(t)

	connect := func() *nats.Conn {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)

		return nc
	}

	hubA, _ := startHub(t, newFakeRegistry(), HubOptions{})
	hubB, urlB := startHub(t, newFakeRegistry(), HubOptions{})

	relayA := NewNatsRelay(connect(), "", logger.NewTestLogger())
	relayB := NewNatsRelay(connect(), "", logger.NewTestLogger())

	require.NoError(t, relayA.Serve(hubA))
	require.NoError(t, relayB.Serve(hubB))
	t.Cleanup(func() {
		_ = relayA.Close()
		_ = relayB.Close()
	})

	hubA.SetForwarder(relayA)

	c, _ := startClient(t, urlB, "123456789", "agent")

	ev, err := NewEvent(EventConnectionResponse, ConnectionResponse{RequestID: "relayed"})
	require.NoError(t, err)
	require.NoError(t, hubA.Send(context.Background(), c.ChannelID(), ev))

	var resp ConnectionResponse
	require.NoError(t, receive(t, c).Decode(&resp))
	assert.Equal(t, "relayed", resp.RequestID)

	require.ErrorIs(t, hubA.Send(context.Background(), "no-such-channel", ev), ErrChannelNotFound)
}
