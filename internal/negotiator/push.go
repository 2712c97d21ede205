package negotiator

import (
	"context"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/notify"
)

// push resolves the channel for identity and sends ev, retrying both the
// resolution and the send a bounded number of times. The target may have
// logged in but not yet published its channel.
func (n *Negotiator) push(ctx context.Context, identity string, role models.Role, ev notify.Event) error {
	var lastErr error = models.ErrUnresolved

	for attempt := 0; attempt < n.cfg.PushRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.cfg.PushRetryDelay):
			}
		}

		channelID, found, err := n.presence.GetChannel(ctx, identity, role)
		if err != nil {
			lastErr = err
			continue
		}

		if !found {
			lastErr = models.ErrUnresolved
			continue
		}

		if err := n.sender.Send(ctx, channelID, ev); err != nil {
			lastErr = err
			continue
		}

		return nil
	}

	pushFailures.Inc()

	return lastErr
}

func (n *Negotiator) deliver(ctx context.Context, req *models.ConnectionRequest, identity string, role models.Role, ev notify.Event) {
	if identity == "" {
		return
	}

	if err := n.push(ctx, identity, role, ev); err != nil {
		n.logger.Warn().Err(err).Str("request_id", req.ID).Str("identity", identity).
			Str("role", string(role)).Str("event", string(ev.Type)).Msg("Push not delivered, party must poll")
	}
}

func (n *Negotiator) notifyTarget(ctx context.Context, req *models.ConnectionRequest) {
	var (
		ev  notify.Event
		err error
	)

	if req.Status == models.StatusPendingApproval {
		ev, err = notify.RequestEvent(req)
	} else {
		ev, err = notify.ResponseEvent(req)
	}

	if err != nil {
		n.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to build event")
		return
	}

	n.deliver(ctx, req, string(req.TargetCode), models.RoleTarget, ev)
}

func (n *Negotiator) notifyRequester(ctx context.Context, req *models.ConnectionRequest) {
	ev, err := notify.ResponseEvent(req)
	if err != nil {
		n.logger.Error().Err(err).Str("request_id", req.ID).Msg("Failed to build event")
		return
	}

	n.deliver(ctx, req, req.RequesterID, models.RoleRequester, ev)
}

// notifyOther tells whichever party did not cause the change.
func (n *Negotiator) notifyOther(ctx context.Context, req *models.ConnectionRequest, actor string) {
	if actor != "" && actor == req.RequesterID {
		n.notifyTarget(ctx, req)
		return
	}

	n.notifyRequester(ctx, req)
}
