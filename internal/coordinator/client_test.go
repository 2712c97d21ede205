package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/models"
)

func TestClientLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := NewClient(e.srv.URL+"/", nil)

	dev, err := c.Register(ctx, "", "desk", models.DeviceTypeAgent, endpoint)
	require.NoError(t, err)

	code := models.DeviceCode(dev.DeviceCode)

	_, err = c.Claim(ctx, code, owner)
	require.NoError(t, err)

	_, err = c.Claim(ctx, code, "someone-else")
	require.ErrorIs(t, err, models.ErrAlreadyClaimed)

	require.NoError(t, c.Heartbeat(ctx, code, endpoint))

	pending, err := c.Pending(ctx, code)
	require.NoError(t, err)
	assert.Nil(t, pending)

	e.connect(t, dev.DeviceCode, "agent")

	res, err := c.Request(ctx, dev.DeviceCode, requester, "Ctl")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, res.Status)

	pending, err = c.Pending(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, res.RequestID, pending.ID)

	_, err = c.Respond(ctx, res.RequestID, "intruder", true, "")
	require.ErrorIs(t, err, models.ErrNotOwner)

	res, err = c.Respond(ctx, res.RequestID, owner, true, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnecting, res.Status)
	assert.Equal(t, endpoint, res.Endpoint)

	res, err = c.Connected(ctx, res.RequestID, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, res.Status)

	res, err = c.End(ctx, res.RequestID, requester, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, res.Status)

	req, err := c.Get(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "done", req.EndReason)

	require.NoError(t, c.Offline(ctx, code))

	got, err := c.Device(ctx, code)
	require.NoError(t, err)
	assert.False(t, got.Online)

	_, err = c.Get(ctx, "00000000-0000-0000-0000-000000000000")
	require.ErrorIs(t, err, models.ErrRequestNotFound)
}

func TestPushURL(t *testing.T) {
	u, err := NewClient("https://coord.example:8443", nil).PushURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://coord.example:8443/api/ws", u)

	u, err = NewClient("http://127.0.0.1:8080/", nil).PushURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/api/ws", u)
}
