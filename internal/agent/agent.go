// Package agent wires the shared-machine side together: registration and
// presence with the coordinator, push handling, the approval prompt and
// the gate that guards the frame stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rviscarra/remotedesk/internal/config"
	"github.com/rviscarra/remotedesk/internal/coordinator"
	"github.com/rviscarra/remotedesk/internal/gate"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/session"
)

const (
	reasonStreamClosed = "stream closed"

	// minSeenRetention bounds how long a handled request id is remembered
	// for deduplication when the approval timeout is short.
	minSeenRetention = time.Minute
)

// Gate is the part of gate.Gate the agent drives
type Gate interface {
	Arm(requestID string) (<-chan gate.Outcome, error)
	Approve() error
	Reject() error
	Cancel(requestID string) bool
}

// Agent is one shared machine
type Agent struct {
	cfg      *config.Agent
	client   *coordinator.Client
	gate     Gate
	approver Approver
	log      logger.Logger

	code     models.DeviceCode
	endpoint string
	push     *notify.Client

	mu      sync.Mutex
	active  string
	seen    map[string]time.Time
	handled sync.WaitGroup
	now     func() time.Time
}

// New returns an agent; call Start before anything else
func New(cfg *config.Agent, client *coordinator.Client, g Gate, approver Approver, log logger.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		client:   client,
		gate:     g,
		approver: approver,
		log:      log.WithComponent("agent"),
		endpoint: advertiseEndpoint(cfg),
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// advertiseEndpoint is the host:port controllers dial. An unspecified
// listen host is replaced by the machine's hostname.
func advertiseEndpoint(cfg *config.Agent) string {
	if cfg.Advertise != "" {
		return cfg.Advertise
	}

	host, port, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return cfg.Listen
	}

	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}

	return net.JoinHostPort(host, port)
}

// Code is the device code, known after Start
func (a *Agent) Code() models.DeviceCode {
	return a.code
}

// Endpoint is the advertised transport address
func (a *Agent) Endpoint() string {
	return a.endpoint
}

// Start registers the device, persisting a newly assigned code, and claims
// it for the configured owner
func (a *Agent) Start(ctx context.Context) error {
	st, err := loadState(a.cfg.StateFile)
	if err != nil {
		return err
	}

	dev, err := a.client.Register(ctx, st.DeviceCode, a.cfg.Name, models.DeviceTypeAgent, a.endpoint)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	a.code = models.DeviceCode(dev.DeviceCode)

	if a.code != st.DeviceCode {
		if err := saveState(a.cfg.StateFile, state{DeviceCode: a.code}); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}

	if a.cfg.OwnerID != "" && dev.OwnerID == "" {
		_, err := a.client.Claim(ctx, a.code, a.cfg.OwnerID)
		if err != nil && !errors.Is(err, models.ErrAlreadyClaimed) {
			return fmt.Errorf("claim: %w", err)
		}
	} else if a.cfg.OwnerID != "" && dev.OwnerID != a.cfg.OwnerID {
		a.log.Warn().Str("owner_id", dev.OwnerID).Msg("Device is claimed by another owner")
	}

	a.log.Info().
		Str("device_code", a.code.Grouped()).
		Str("endpoint", a.endpoint).
		Msg("Agent registered")

	return nil
}

// actor is who the agent answers as. An unclaimed device accepts any actor,
// so the device code is used.
func (a *Agent) actor() string {
	if a.cfg.OwnerID != "" {
		return a.cfg.OwnerID
	}

	return string(a.code)
}

// Run keeps the push channel open and handles events until ctx ends
func (a *Agent) Run(ctx context.Context) error {
	pushURL, err := a.client.PushURL()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.push = notify.NewClient(notify.ClientOptions{
		URL:      pushURL,
		Identity: string(a.code),
		Role:     "agent",
	}, a.log)
	push := a.push
	a.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- push.Run(ctx) }()

	for ev := range push.Events() {
		a.HandleEvent(ctx, ev)
	}

	a.handled.Wait()

	return <-errc
}

// HandleEvent reacts to one push event
func (a *Agent) HandleEvent(ctx context.Context, ev notify.Event) {
	switch ev.Type {
	case notify.EventConnectionRequest:
		var req notify.ConnectionRequest
		if err := ev.Decode(&req); err != nil {
			a.log.Warn().Err(err).Msg("Malformed connection request")
			return
		}

		a.dispatch(ctx, req)
	case notify.EventConnectionResponse:
		var resp notify.ConnectionResponse
		if err := ev.Decode(&resp); err != nil {
			a.log.Warn().Err(err).Msg("Malformed connection response")
			return
		}

		a.handleResponse(resp)
	}
}

// dispatch runs the approval for req once, in the background
func (a *Agent) dispatch(ctx context.Context, req notify.ConnectionRequest) {
	a.mu.Lock()
	now := a.now()
	a.pruneSeen(now)
	if _, dup := a.seen[req.RequestID]; dup {
		a.mu.Unlock()
		return
	}
	a.seen[req.RequestID] = now
	a.mu.Unlock()

	a.handled.Add(1)

	go func() {
		defer a.handled.Done()
		a.handleRequest(ctx, req)
	}()
}

// pruneSeen forgets ids handled long enough ago that the coordinator has
// expired them. Callers hold a.mu.
func (a *Agent) pruneSeen(now time.Time) {
	retention := max(2*a.cfg.ApprovalTimeout.D(), minSeenRetention)

	for id, at := range a.seen {
		if now.Sub(at) > retention {
			delete(a.seen, id)
		}
	}
}

// Wait blocks until every dispatched request has been answered
func (a *Agent) Wait() {
	a.handled.Wait()
}

func (a *Agent) handleRequest(ctx context.Context, req notify.ConnectionRequest) {
	log := a.log.With().Str("request_id", req.RequestID).Logger()

	outcome, err := a.gate.Arm(req.RequestID)
	if err != nil {
		log.Info().Err(err).Msg("Declining, another request is in progress")
		a.respond(ctx, req.RequestID, false)
		return
	}

	askCtx, cancel := context.WithTimeout(ctx, a.cfg.ApprovalTimeout.D())
	defer cancel()

	go func() {
		// A rejection or timeout from elsewhere ends the prompt early.
		select {
		case o := <-outcome:
			if o != gate.Approved {
				cancel()
			}
		case <-askCtx.Done():
		}
	}()

	allowed, err := a.approver.Approve(askCtx, req)
	if err != nil {
		log.Warn().Err(err).Msg("Approval prompt failed")
	}

	if !allowed {
		_ = a.gate.Reject()
		a.respond(ctx, req.RequestID, false)
		return
	}

	// Approve can release a held stream before it returns.
	a.mu.Lock()
	a.active = req.RequestID
	a.mu.Unlock()

	if err := a.gate.Approve(); err != nil {
		a.clearActive(req.RequestID)
		log.Info().Err(err).Msg("Request no longer waiting")
		return
	}

	if resp := a.respond(ctx, req.RequestID, true); resp == nil || resp.Status != models.StatusConnecting {
		a.gate.Cancel(req.RequestID)
		a.clearActive(req.RequestID)
	}
}

func (a *Agent) respond(ctx context.Context, id string, accepted bool) *coordinator.RequestResponse {
	resp, err := a.client.Respond(ctx, id, a.actor(), accepted, a.endpoint)
	if err != nil {
		a.log.Warn().Err(err).Str("request_id", id).Bool("accepted", accepted).Msg("Failed to answer request")
		return nil
	}

	return resp
}

// handleResponse drops the gate cycle of a request that ended elsewhere
func (a *Agent) handleResponse(resp notify.ConnectionResponse) {
	if !resp.Status.Terminal() {
		return
	}

	if a.gate.Cancel(resp.RequestID) {
		a.log.Info().
			Str("request_id", resp.RequestID).
			Str("status", string(resp.Status)).
			Msg("Request ended before the stream opened")
	}

	a.mu.Lock()
	delete(a.seen, resp.RequestID)
	if a.active == resp.RequestID {
		a.active = ""
	}
	a.mu.Unlock()
}

func (a *Agent) clearActive(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == id {
		a.active = ""
	}
}

func (a *Agent) takeActive() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.active
	a.active = ""

	return id
}

// Heartbeat refreshes presence. While the push channel is down, pending
// requests are polled instead.
func (a *Agent) Heartbeat(ctx context.Context) error {
	if err := a.client.Heartbeat(ctx, a.code, a.endpoint); err != nil {
		return err
	}

	a.mu.Lock()
	push := a.push
	a.mu.Unlock()

	if push != nil && push.ChannelID() != "" {
		return nil
	}

	pending, err := a.client.Pending(ctx, a.code)
	if err != nil || pending == nil {
		return err
	}

	// The heartbeat context is short lived; the request outlives it.
	a.dispatch(context.WithoutCancel(ctx), notify.ConnectionRequest{
		RequestID:     pending.ID,
		TargetCode:    string(pending.TargetCode),
		RequesterID:   pending.RequesterID,
		RequesterName: pending.RequesterName,
		RequesterIP:   pending.RequesterIP,
		RequestedAt:   pending.RequestedAt,
	})

	return nil
}

// Hooks connects the session loop to the request lifecycle
func (a *Agent) Hooks() session.Hooks {
	var (
		mu      sync.Mutex
		current string
	)

	return session.Hooks{
		Heartbeat: a.Heartbeat,
		OnConnect: func(ctx context.Context, _ net.Conn) {
			id := a.takeActive()

			mu.Lock()
			current = id
			mu.Unlock()

			if id == "" {
				return
			}

			if _, err := a.client.Connected(ctx, id, a.actor()); err != nil {
				a.log.Warn().Err(err).Str("request_id", id).Msg("Failed to report connection")
			}
		},
		OnDisconnect: func(ctx context.Context, _ net.Conn, cause error) {
			mu.Lock()
			id := current
			current = ""
			mu.Unlock()

			if id == "" {
				return
			}

			reason := reasonStreamClosed
			if cause != nil {
				reason = cause.Error()
			}

			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if _, err := a.client.End(ctx, id, a.actor(), reason); err != nil {
				a.log.Warn().Err(err).Str("request_id", id).Msg("Failed to end request")
			}
		},
	}
}

// Shutdown marks the device offline
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.code == "" {
		return nil
	}

	return a.client.Offline(ctx, a.code)
}
