// Package controller is the viewing side: it asks the coordinator for
// access, waits for the answer and consumes the frame stream.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rviscarra/remotedesk/internal/config"
	"github.com/rviscarra/remotedesk/internal/coordinator"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/rtc"
	"github.com/rviscarra/remotedesk/internal/wire"
)

const (
	dialTimeout = 10 * time.Second
	readPoll    = time.Second
)

var (
	// ErrDenied is returned when the request ends without reaching
	// Connecting
	ErrDenied = errors.New("access denied")

	// ErrWaitTimeout is returned when no answer arrives in time
	ErrWaitTimeout = errors.New("timed out waiting for approval")
)

// Viewer requests and consumes one remote screen at a time
type Viewer struct {
	cfg    *config.Viewer
	client *coordinator.Client
	log    logger.Logger
}

func New(cfg *config.Viewer, client *coordinator.Client, log logger.Logger) *Viewer {
	return &Viewer{
		cfg:    cfg,
		client: client,
		log:    log.WithComponent("viewer"),
	}
}

// Request asks for access to target. A request that could not reach the
// agent is returned as an error carrying the coordinator's reason.
func (v *Viewer) Request(ctx context.Context, target string) (*coordinator.RequestResponse, error) {
	code, err := models.ParseDeviceCode(target)
	if err != nil {
		return nil, err
	}

	resp, err := v.client.Request(ctx, string(code), v.cfg.RequesterID, v.cfg.RequesterName)
	if err != nil {
		return nil, err
	}

	if resp.Status == models.StatusError {
		return resp, fmt.Errorf("%w: %s", ErrDenied, resp.ErrorMessage)
	}

	v.log.Info().Str("request_id", resp.RequestID).Str("status", string(resp.Status)).Msg("Access requested")

	return resp, nil
}

// WaitEndpoint blocks until the request reaches Connecting and returns the
// endpoint to dial. Push events are used when events is not nil; the
// request is also polled so a lost push only costs one poll interval.
func (v *Viewer) WaitEndpoint(ctx context.Context, requestID string, events <-chan notify.Event) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.WaitTimeout.D())
	defer cancel()

	ticker := time.NewTicker(v.cfg.PollInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrWaitTimeout
			}
			return "", ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if ev.Type != notify.EventConnectionResponse {
				continue
			}

			var resp notify.ConnectionResponse
			if err := ev.Decode(&resp); err != nil || resp.RequestID != requestID {
				continue
			}

			if endpoint, done, err := settle(resp.Status, resp.Endpoint, resp.Reason); done {
				return endpoint, err
			}
		case <-ticker.C:
			req, err := v.client.Get(ctx, requestID)
			if err != nil {
				v.log.Debug().Err(err).Msg("Poll failed")
				continue
			}

			if endpoint, done, err := settle(req.Status, req.Endpoint, req.EndReason); done {
				return endpoint, err
			}
		}
	}
}

// settle decides whether status ends the wait
func settle(status models.Status, endpoint, reason string) (string, bool, error) {
	switch {
	case status == models.StatusConnecting || status == models.StatusConnected:
		return endpoint, true, nil
	case status.Terminal():
		if reason == "" {
			reason = string(status)
		}
		return "", true, fmt.Errorf("%w: %s", ErrDenied, reason)
	default:
		return "", false, nil
	}
}

// Ended drains events and delivers the end reason once requestID reaches a
// terminal status. The returned channel is closed when events is.
func Ended(events <-chan notify.Event, requestID string) <-chan string {
	out := make(chan string, 1)

	go func() {
		defer close(out)

		for ev := range events {
			if ev.Type != notify.EventConnectionResponse {
				continue
			}

			var resp notify.ConnectionResponse
			if err := ev.Decode(&resp); err != nil || resp.RequestID != requestID || !resp.Status.Terminal() {
				continue
			}

			reason := resp.Reason
			if reason == "" {
				reason = string(resp.Status)
			}

			select {
			case out <- reason:
			default:
			}
		}
	}()

	return out
}

// Dial opens the frame stream, over WebRTC when a session URL is set
func (v *Viewer) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	if v.cfg.SessionURL != "" {
		return rtc.Dial(ctx, v.cfg.STUN, v.signal)
	}

	dialer := net.Dialer{Timeout: dialTimeout}

	return dialer.DialContext(ctx, "tcp", endpoint)
}

// signal posts an offer to the agent's /api/session
func (v *Viewer) signal(ctx context.Context, offer string) (string, error) {
	body, err := json.Marshal(map[string]string{"offer": offer})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.SessionURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session: %s", resp.Status)
	}

	var out struct {
		Answer string `json:"answer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	return out.Answer, nil
}

// Stream hands every received frame to sink and forwards input until the
// agent closes the stream or ctx ends. conn is closed on return. It returns
// the number of frames received.
func (v *Viewer) Stream(ctx context.Context, conn net.Conn, sink FrameSink, input <-chan *wire.InputEvent) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	context.AfterFunc(ctx, func() { _ = conn.Close() })

	writeErr := make(chan error, 1)
	go func() { writeErr <- forwardInput(ctx, conn, input) }()

	reader := wire.NewReader(conn)

	var (
		frames  int64
		lastSeq int64
	)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readPoll))

		msg, err := reader.ReadMessage()
		switch {
		case errors.Is(err, wire.ErrNoMessage):
			continue
		case ctx.Err() != nil, errors.Is(err, wire.ErrClosed):
			return frames, nil
		case err != nil:
			return frames, err
		}

		select {
		case err := <-writeErr:
			if err != nil {
				return frames, err
			}
		default:
		}

		if msg.Frame == nil {
			continue
		}

		if msg.Frame.Sequence <= lastSeq {
			v.log.Warn().Int64("seq", msg.Frame.Sequence).Int64("last", lastSeq).Msg("Out of order frame")
		}
		lastSeq = msg.Frame.Sequence
		frames++

		if err := sink.WriteFrame(msg.Frame); err != nil {
			return frames, err
		}

		v.log.Debug().Int64("seq", msg.Frame.Sequence).Int("bytes", len(msg.Frame.Image)).Msg("Frame received")
	}
}

func forwardInput(ctx context.Context, conn net.Conn, input <-chan *wire.InputEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-input:
			if !ok {
				return nil
			}

			if err := wire.WriteMessage(conn, wire.InputMessage(ev)); err != nil {
				return err
			}
		}
	}
}

// Connected tells the coordinator the stream is up. The agent reports the
// same transition, so losing that race is not an error.
func (v *Viewer) Connected(ctx context.Context, requestID string) error {
	_, err := v.client.Connected(ctx, requestID, v.cfg.RequesterID)
	if errors.Is(err, models.ErrInvalidStatus) {
		return nil
	}
	return err
}

// End closes the request on the coordinator
func (v *Viewer) End(ctx context.Context, requestID, reason string) error {
	_, err := v.client.End(ctx, requestID, v.cfg.RequesterID, reason)
	if errors.Is(err, models.ErrInvalidStatus) {
		return nil
	}
	return err
}
