package negotiator

import (
	"context"
	"errors"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

// Run expires stale pending requests every SweepInterval until ctx is done.
func (n *Negotiator) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := n.Sweep(ctx); err != nil {
				n.logger.Error().Err(err).Msg("Expiry sweep failed")
			}
		}
	}
}

// Sweep expires every request that has waited longer than the approval
// timeout and returns how many it expired.
func (n *Negotiator) Sweep(ctx context.Context) (int, error) {
	cutoff := n.now().Add(-n.cfg.ApprovalTimeout)

	stale, err := n.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0

	for _, req := range stale {
		if _, err := n.expire(ctx, req); err != nil {
			// Approved or rejected after the list was read.
			if errors.Is(err, models.ErrInvalidStatus) {
				continue
			}

			return expired, err
		}

		expired++
	}

	return expired, nil
}

// expire closes a pending request and tells both sides: the target so its
// gate is released, the requester so it stops waiting.
func (n *Negotiator) expire(ctx context.Context, req *models.ConnectionRequest) (*models.ConnectionRequest, error) {
	req, err := n.transition(ctx, req.ID, models.Transition{
		From:      []models.Status{models.StatusPendingApproval},
		To:        models.StatusExpired,
		EndReason: ReasonApprovalTimeout,
		StampEnd:  true,
	})
	if err != nil {
		return nil, err
	}

	n.notifyTarget(ctx, req)
	n.notifyRequester(ctx, req)

	return req, nil
}
