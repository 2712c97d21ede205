// Package notify delivers negotiation events to connected devices over a
// push channel keyed by channel id.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

// EventType names the payload carried by an Event.
type EventType string

const (
	EventConnectionRequest  EventType = "connection_request"
	EventConnectionResponse EventType = "connection_response"
	// EventChannelReady is sent by the hub right after a device connects and
	// carries the channel id it was assigned.
	EventChannelReady EventType = "channel_ready"
)

// Event is the envelope written on the push channel.
type Event struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
}

// ConnectionRequest is pushed to the target device when someone asks for access.
type ConnectionRequest struct {
	RequestID     string    `json:"request_id"`
	TargetCode    string    `json:"target_device_code"`
	RequesterID   string    `json:"requester_id,omitempty"`
	RequesterName string    `json:"requester_name,omitempty"`
	RequesterIP   string    `json:"requester_ip,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// ConnectionResponse is pushed to the other party whenever a request changes
// status. Endpoint is set once the request reaches Connecting.
type ConnectionResponse struct {
	RequestID string        `json:"request_id"`
	Accepted  bool          `json:"accepted"`
	Status    models.Status `json:"status"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// ChannelReady tells a device which channel id the hub registered for it.
type ChannelReady struct {
	ChannelID string `json:"channel_id"`
}

// NewEvent wraps payload in an envelope.
func NewEvent(t EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}

	return Event{Type: t, Payload: data, Timestamp: time.Now().UTC()}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}

	return nil
}

// RequestEvent builds the event pushed to a target for req.
func RequestEvent(req *models.ConnectionRequest) (Event, error) {
	return NewEvent(EventConnectionRequest, ConnectionRequest{
		RequestID:     req.ID,
		TargetCode:    string(req.TargetCode),
		RequesterID:   req.RequesterID,
		RequesterName: req.RequesterName,
		RequesterIP:   req.RequesterIP,
		RequestedAt:   req.RequestedAt,
	})
}

// ResponseEvent builds the status event for req.
func ResponseEvent(req *models.ConnectionRequest) (Event, error) {
	accepted := req.Status == models.StatusApproved ||
		req.Status == models.StatusConnecting ||
		req.Status == models.StatusConnected

	return NewEvent(EventConnectionResponse, ConnectionResponse{
		RequestID: req.ID,
		Accepted:  accepted,
		Status:    req.Status,
		Endpoint:  req.Endpoint,
		Reason:    req.EndReason,
	})
}
