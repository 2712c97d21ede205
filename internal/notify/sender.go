package notify

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mock_sender.go -package=notify github.com/rviscarra/remotedesk/internal/notify Sender

var (
	ErrChannelNotFound = errors.New("push channel not found")
	ErrChannelClosed   = errors.New("push channel closed")
)

// Sender delivers an event to the device holding channelID.
type Sender interface {
	Send(ctx context.Context, channelID string, ev Event) error
}
