package presence

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/models"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	t.Cleanup(srv.Shutdown)

	return srv
}

func newNatsTier(t *testing.T) *NatsFastTier {
	t.Helper()

	srv := runJetStreamServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tier, err := NewNatsFastTier(ctx, nc, "", time.Hour)
	require.NoError(t, err)

	return tier
}

func TestNatsFastTierLiveness(t *testing.T) {
	ctx := context.Background()
	tier := newNatsTier(t)

	_, found, err := tier.Liveness(ctx, "123456789")
	require.NoError(t, err)
	assert.False(t, found)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, tier.SetOnline(ctx, "123456789", at, time.Minute))

	l, found, err := tier.Liveness(ctx, "123456789")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, l.Online)
	assert.True(t, at.Equal(l.LastSeen))

	require.NoError(t, tier.SetOffline(ctx, "123456789"))
	require.NoError(t, tier.SetOffline(ctx, "123456789"))

	_, found, err = tier.Liveness(ctx, "123456789")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNatsFastTierPerKeyTTL(t *testing.T) {
	ctx := context.Background()
	tier := newNatsTier(t)

	now := time.Now()
	tier.now = func() time.Time { return now }

	require.NoError(t, tier.SetOnline(ctx, "a", now, time.Second))

	_, found, err := tier.Liveness(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)

	now = now.Add(2 * time.Second)

	_, found, err = tier.Liveness(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNatsFastTierChannels(t *testing.T) {
	ctx := context.Background()
	tier := newNatsTier(t)

	// Identities are not restricted to KV-safe characters.
	identity := "user@example.com/laptop 1"

	require.NoError(t, tier.SetChannel(ctx, identity, models.RoleRequester, "chan-1", time.Now(), time.Minute))

	e, found, err := tier.Channel(ctx, identity, models.RoleRequester)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "chan-1", e.ChannelID)

	_, found, err = tier.Channel(ctx, identity, models.RoleTarget)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, tier.ClearChannel(ctx, identity, models.RoleRequester, "chan-other"))

	_, found, err = tier.Channel(ctx, identity, models.RoleRequester)
	require.NoError(t, err)
	assert.True(t, found, "clear with a different channel id must not remove the mapping")

	require.NoError(t, tier.ClearChannel(ctx, identity, models.RoleRequester, "chan-1"))

	_, found, err = tier.Channel(ctx, identity, models.RoleRequester)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreOverNatsFastTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tier := newNatsTier(t)
	tier.now = f.clock.Now

	s := f.store(tier)

	require.NoError(t, s.SetOnline(ctx, f.code, time.Minute))
	require.NoError(t, s.SetChannel(ctx, f.code, models.RoleTarget, "chan-1", time.Minute))

	online, err := s.IsOnline(ctx, f.code)
	require.NoError(t, err)
	assert.True(t, online)

	id, found, err := s.GetChannel(ctx, f.code, models.RoleTarget)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "chan-1", id)
}
