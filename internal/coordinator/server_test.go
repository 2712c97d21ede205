package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/db"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/negotiator"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/presence"
)

const (
	owner     = "owner-1"
	requester = "ctl-1"
	endpoint  = "10.0.0.5:8888"
)

type env struct {
	srv      *httptest.Server
	presence *presence.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()

	ctx := context.Background()
	log := logger.NewTestLogger()

	store, err := db.NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ps := presence.NewStore(presence.NewMemoryTier(), presence.NewDurableTier(store, store), presence.Options{}, log)
	hub := notify.NewHub(ps, notify.HubOptions{}, log)

	n := negotiator.New(store, ps, hub, negotiator.Config{
		PushRetries:    5,
		PushRetryDelay: 10 * time.Millisecond,
	}, log)

	srv := httptest.NewServer(NewServer(n,
		WithPushHandler(hub),
		WithMetrics(NewRegistry()),
		WithLogger(log),
	))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &env{srv: srv, presence: ps}
}

func (e *env) post(t *testing.T, path string, body any, out any) int {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func (e *env) get(t *testing.T, path string, out any) int {
	t.Helper()

	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func (e *env) register(t *testing.T, claim bool) string {
	t.Helper()

	var dev DeviceResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/devices/register",
		registerRequest{Name: "desk", Endpoint: endpoint}, &dev))
	require.Len(t, dev.DeviceCode, models.DeviceCodeLength)
	require.True(t, dev.Online)

	if claim {
		require.Equal(t, http.StatusOK, e.post(t, "/api/devices/"+dev.DeviceCode+"/claim",
			claimRequest{OwnerID: owner}, nil))
	}

	return dev.DeviceCode
}

func (e *env) connect(t *testing.T, identity, role string) *notify.Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	c := notify.NewClient(notify.ClientOptions{
		URL:      "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/ws",
		Identity: identity,
		Role:     role,
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

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitReady(waitCtx))

	return c
}

func next(t *testing.T, c *notify.Client) notify.Event {
	t.Helper()

	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no push event received")
		return notify.Event{}
	}
}

func TestConnectionScenario(t *testing.T) {
	e := newEnv(t)
	code := e.register(t, true)

	agent := e.connect(t, code, "agent")
	controller := e.connect(t, requester, "controller")

	var created RequestResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/request", connectionRequestBody{
		TargetCode:    code,
		RequesterID:   requester,
		RequesterName: "alice",
	}, &created))

	assert.True(t, created.Success)
	assert.Equal(t, models.StatusPendingApproval, created.Status)
	assert.NotEmpty(t, created.RequestID)
	assert.Empty(t, created.Endpoint)

	ev := next(t, agent)
	require.Equal(t, notify.EventConnectionRequest, ev.Type)

	var pushed notify.ConnectionRequest
	require.NoError(t, ev.Decode(&pushed))
	assert.Equal(t, created.RequestID, pushed.RequestID)
	assert.Equal(t, "alice", pushed.RequesterName)
	assert.Equal(t, "127.0.0.1", pushed.RequesterIP)

	var pending models.ConnectionRequest
	require.Equal(t, http.StatusOK, e.get(t, "/api/pending/"+code, &pending))
	assert.Equal(t, created.RequestID, pending.ID)

	var approved RequestResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/response", responseBody{
		RequestID: created.RequestID,
		Accepted:  true,
		ActorID:   owner,
	}, &approved))
	assert.Equal(t, models.StatusConnecting, approved.Status)
	assert.Equal(t, endpoint, approved.Endpoint)

	ev = next(t, controller)
	var answer notify.ConnectionResponse
	require.NoError(t, ev.Decode(&answer))
	assert.True(t, answer.Accepted)
	assert.Equal(t, models.StatusConnecting, answer.Status)
	assert.Equal(t, endpoint, answer.Endpoint)

	var connected RequestResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/requests/"+created.RequestID+"/connect",
		transitionBody{ActorID: requester}, &connected))
	assert.Equal(t, models.StatusConnected, connected.Status)

	var ended RequestResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/requests/"+created.RequestID+"/end",
		transitionBody{ActorID: requester, Reason: "user_closed"}, &ended))
	assert.Equal(t, models.StatusEnded, ended.Status)

	var record models.ConnectionRequest
	require.Equal(t, http.StatusOK, e.get(t, "/api/requests/"+created.RequestID, &record))
	assert.Equal(t, "user_closed", record.EndReason)
	assert.NotNil(t, record.ConnectedAt)
	assert.NotNil(t, record.EndedAt)
}

func TestOfflineTarget(t *testing.T) {
	e := newEnv(t)
	code := e.register(t, true)

	require.Equal(t, http.StatusOK, e.post(t, "/api/devices/"+code+"/offline", nil, nil))

	var resp RequestResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/request",
		connectionRequestBody{TargetCode: code}, &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, models.StatusError, resp.Status)
	assert.Equal(t, "Agent is not online", resp.ErrorMessage)

	resp2, err := http.Get(e.srv.URL + "/api/pending/" + code)
	require.NoError(t, err)
	defer resp2.Body.Close()

	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Equal(t, "null", strings.TrimSpace(string(body)))
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t)
	unclaimed := e.register(t, false)
	claimed := e.register(t, true)

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		tag    string
	}{
		{"unknown device", "/api/request", connectionRequestBody{TargetCode: "111111111"}, http.StatusNotFound, models.TagDeviceNotFound},
		{"unclaimed", "/api/request", connectionRequestBody{TargetCode: unclaimed}, http.StatusConflict, models.TagDeviceNotClaimed},
		{"double claim", "/api/devices/" + claimed + "/claim", claimRequest{OwnerID: "other"}, http.StatusConflict, models.TagAlreadyClaimed},
		{"claim without owner", "/api/devices/" + unclaimed + "/claim", claimRequest{}, http.StatusBadRequest, models.TagBadRequest},
		{"unknown request", "/api/response", responseBody{RequestID: "nope", Accepted: true}, http.StatusNotFound, models.TagRequestNotFound},
		{"heartbeat unknown", "/api/devices/111111111/heartbeat", heartbeatRequest{}, http.StatusNotFound, models.TagDeviceNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp errorResponse
			assert.Equal(t, tc.status, e.post(t, tc.path, tc.body, &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tc.tag, resp.Error)
			assert.NotEmpty(t, resp.ErrorMessage)
		})
	}
}

func TestApproveOutsidePendingIsConflict(t *testing.T) {
	e := newEnv(t)
	code := e.register(t, true)

	var created RequestResponse
	require.Equal(t, http.StatusOK, e.post(t, "/api/request",
		connectionRequestBody{TargetCode: code, RequesterID: requester}, &created))

	require.Equal(t, http.StatusOK, e.post(t, "/api/requests/"+created.RequestID+"/reject",
		transitionBody{ActorID: owner, Reason: "busy"}, nil))

	var resp errorResponse
	assert.Equal(t, http.StatusConflict, e.post(t, "/api/requests/"+created.RequestID+"/approve",
		transitionBody{ActorID: owner}, &resp))
	assert.Equal(t, models.TagInvalidStatus, resp.Error)

	var record RequestResponse
	require.Equal(t, http.StatusOK, e.get(t, "/api/requests/"+created.RequestID, &record))
	assert.Equal(t, models.StatusRejected, record.Status)

	assert.Equal(t, http.StatusForbidden, e.post(t, "/api/requests/"+created.RequestID+"/end",
		transitionBody{ActorID: "mallory"}, &resp))
	assert.Equal(t, models.TagNotOwner, resp.Error)
}

func TestDeviceLookupAndMalformedBody(t *testing.T) {
	e := newEnv(t)
	code := e.register(t, false)

	var dev DeviceResponse
	require.Equal(t, http.StatusOK, e.get(t, "/api/devices/"+code, &dev))
	assert.Equal(t, code, dev.DeviceCode)
	assert.Equal(t, models.DeviceCode(code).Grouped(), dev.DisplayCode)
	assert.Empty(t, dev.OwnerID)

	resp, err := http.Post(e.srv.URL+"/api/request", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(e.srv.URL + "/api/request")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	code := e.register(t, true)

	require.Equal(t, http.StatusOK, e.post(t, "/api/request",
		connectionRequestBody{TargetCode: code}, nil))

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "remotedesk_requests_total")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
