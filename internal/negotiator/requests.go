package negotiator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rviscarra/remotedesk/internal/models"
)

const (
	ReasonRejected        = "rejected"
	ReasonApprovalTimeout = "approval timeout"
)

var nonTerminal = []models.Status{
	models.StatusRequested,
	models.StatusPendingApproval,
	models.StatusApproved,
	models.StatusConnecting,
	models.StatusConnected,
}

// RequestParams describes an access request. RequesterID may be empty for
// anonymous requests; such requesters poll instead of receiving pushes.
type RequestParams struct {
	TargetCode    string
	RequesterID   string
	RequesterName string
	RequesterIP   string
}

// Request opens a connection request against a claimed, online device. An
// offline target yields a record in status Error rather than an error.
func (n *Negotiator) Request(ctx context.Context, p RequestParams) (_ *models.ConnectionRequest, err error) {
	ctx, span := n.span(ctx, "Request", attribute.String("device_code", p.TargetCode))
	defer func() { endSpan(span, err) }()

	code, err := parseCode(p.TargetCode)
	if err != nil {
		return nil, err
	}

	dev, err := n.store.GetDevice(ctx, code)
	if err != nil {
		return nil, err
	}

	if !dev.Claimed() {
		return nil, models.ErrDeviceNotClaimed
	}

	req := &models.ConnectionRequest{
		ID:            uuid.NewString(),
		TargetCode:    code,
		RequesterID:   p.RequesterID,
		RequesterName: p.RequesterName,
		RequesterIP:   p.RequesterIP,
		Status:        models.StatusRequested,
		RequestedAt:   n.now().UTC(),
	}

	if err := n.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	online, err := n.presence.IsOnline(ctx, string(code))
	if err != nil {
		return nil, err
	}

	if !online {
		return n.transition(ctx, req.ID, models.Transition{
			From:      []models.Status{models.StatusRequested},
			To:        models.StatusError,
			EndReason: models.ErrHostOffline.Message,
			StampEnd:  true,
		})
	}

	req, err = n.transition(ctx, req.ID, models.Transition{
		From: []models.Status{models.StatusRequested},
		To:   models.StatusPendingApproval,
	})
	if err != nil {
		return nil, err
	}

	n.notifyTarget(ctx, req)

	return req, nil
}

// Get returns a request record.
func (n *Negotiator) Get(ctx context.Context, id string) (*models.ConnectionRequest, error) {
	return n.store.GetRequest(ctx, id)
}

// Pending returns the request awaiting approval on a device, or nil. A request
// past the approval window is expired on the spot.
func (n *Negotiator) Pending(ctx context.Context, code string) (_ *models.ConnectionRequest, err error) {
	ctx, span := n.span(ctx, "Pending", attribute.String("device_code", code))
	defer func() { endSpan(span, err) }()

	c, err := parseCode(code)
	if err != nil {
		return nil, err
	}

	req, err := n.store.PendingRequest(ctx, c)
	if err != nil || req == nil {
		return nil, err
	}

	if n.now().Sub(req.RequestedAt) > n.cfg.ApprovalTimeout {
		if _, err := n.expire(ctx, req); err != nil && !errors.Is(err, models.ErrInvalidStatus) {
			return nil, err
		}

		return nil, nil
	}

	return req, nil
}

// Respond approves or rejects, as the target's answer to a request.
func (n *Negotiator) Respond(ctx context.Context, id, actor string, accepted bool, endpoint string) (*models.ConnectionRequest, error) {
	if accepted {
		return n.Approve(ctx, id, actor, endpoint)
	}

	return n.Reject(ctx, id, actor, ReasonRejected)
}

// Approve moves a pending request to Approved and, once the target endpoint is
// known, straight on to Connecting. endpoint overrides the registered one.
func (n *Negotiator) Approve(ctx context.Context, id, actor, endpoint string) (_ *models.ConnectionRequest, err error) {
	ctx, span := n.span(ctx, "Approve", attribute.String("request_id", id))
	defer func() { endSpan(span, err) }()

	req, dev, err := n.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := authorizeOwner(dev, actor); err != nil {
		return nil, err
	}

	if endpoint == "" {
		endpoint = dev.Endpoint
	}

	req, err = n.transition(ctx, req.ID, models.Transition{
		From:         []models.Status{models.StatusPendingApproval},
		To:           models.StatusApproved,
		StampApprove: true,
	})
	if err != nil {
		return nil, err
	}

	if endpoint != "" {
		req, err = n.transition(ctx, req.ID, models.Transition{
			From:     []models.Status{models.StatusApproved},
			To:       models.StatusConnecting,
			Endpoint: endpoint,
		})
		if err != nil {
			return nil, err
		}
	} else {
		n.logger.Warn().Str("request_id", id).Msg("Approved without a known endpoint")
	}

	n.notifyRequester(ctx, req)

	return req, nil
}

// Reject closes a pending request.
func (n *Negotiator) Reject(ctx context.Context, id, actor, reason string) (_ *models.ConnectionRequest, err error) {
	ctx, span := n.span(ctx, "Reject", attribute.String("request_id", id))
	defer func() { endSpan(span, err) }()

	req, dev, err := n.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := authorizeOwner(dev, actor); err != nil {
		return nil, err
	}

	if reason == "" {
		reason = ReasonRejected
	}

	req, err = n.transition(ctx, req.ID, models.Transition{
		From:      []models.Status{models.StatusPendingApproval},
		To:        models.StatusRejected,
		EndReason: reason,
		StampEnd:  true,
	})
	if err != nil {
		return nil, err
	}

	n.notifyRequester(ctx, req)

	return req, nil
}

// Connected records that the transport is up.
func (n *Negotiator) Connected(ctx context.Context, id, actor string) (_ *models.ConnectionRequest, err error) {
	ctx, span := n.span(ctx, "Connected", attribute.String("request_id", id))
	defer func() { endSpan(span, err) }()

	req, err := n.transition(ctx, id, models.Transition{
		From:         []models.Status{models.StatusApproved, models.StatusConnecting},
		To:           models.StatusConnected,
		StampConnect: true,
	})
	if err != nil {
		return nil, err
	}

	n.notifyOther(ctx, req, actor)

	return req, nil
}

// End closes a request from any non-terminal state. The owner, the requester
// or the target device itself may end it.
func (n *Negotiator) End(ctx context.Context, id, actor, reason string) (_ *models.ConnectionRequest, err error) {
	ctx, span := n.span(ctx, "End", attribute.String("request_id", id))
	defer func() { endSpan(span, err) }()

	req, dev, err := n.load(ctx, id)
	if err != nil {
		return nil, err
	}

	isRequester := actor != "" && actor == req.RequesterID
	if !isRequester && actor != string(dev.Code) {
		if err := authorizeOwner(dev, actor); err != nil {
			return nil, err
		}
	}

	req, err = n.transition(ctx, req.ID, models.Transition{
		From:      nonTerminal,
		To:        models.StatusEnded,
		EndReason: reason,
		StampEnd:  true,
	})
	if err != nil {
		return nil, err
	}

	n.notifyOther(ctx, req, actor)

	return req, nil
}

func (n *Negotiator) load(ctx context.Context, id string) (*models.ConnectionRequest, *models.Device, error) {
	req, err := n.store.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	dev, err := n.store.GetDevice(ctx, req.TargetCode)
	if err != nil {
		return nil, nil, err
	}

	return req, dev, nil
}

// authorizeOwner lets the owner act; an ownerless device is open.
func authorizeOwner(dev *models.Device, actor string) error {
	if !dev.Claimed() || dev.OwnerID == actor {
		return nil
	}

	return models.ErrNotOwner
}

func (n *Negotiator) transition(ctx context.Context, id string, tr models.Transition) (*models.ConnectionRequest, error) {
	if tr.At.IsZero() {
		tr.At = n.now().UTC()
	}

	req, err := n.store.TransitionRequest(ctx, id, tr)
	if err != nil {
		n.logger.Debug().Err(err).Str("request_id", id).Str("to", string(tr.To)).Msg("Transition refused")
		return nil, err
	}

	requestsTotal.WithLabelValues(string(req.Status)).Inc()

	n.logger.Info().Str("request_id", id).Str("device_code", string(req.TargetCode)).
		Str("status", string(req.Status)).Msg("Connection request transitioned")

	return req, nil
}
