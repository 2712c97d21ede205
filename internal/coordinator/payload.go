package coordinator

import (
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

type registerRequest struct {
	DeviceCode string            `json:"device_code"`
	Name       string            `json:"name"`
	Type       models.DeviceType `json:"type"`
	Endpoint   string            `json:"endpoint"`
}

type heartbeatRequest struct {
	Endpoint string `json:"endpoint"`
}

type claimRequest struct {
	OwnerID string `json:"owner_id"`
}

type connectionRequestBody struct {
	TargetCode    string `json:"target_device_code"`
	RequesterID   string `json:"requester_id"`
	RequesterName string `json:"requester_name"`
}

type responseBody struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	ActorID   string `json:"actor_id"`
	Endpoint  string `json:"endpoint"`
}

type transitionBody struct {
	ActorID  string `json:"actor_id"`
	Reason   string `json:"reason"`
	Endpoint string `json:"endpoint"`
}

// RequestResponse is the reply for every request-level operation.
type RequestResponse struct {
	Success      bool          `json:"success"`
	Status       models.Status `json:"status"`
	RequestID    string        `json:"request_id,omitempty"`
	Endpoint     string        `json:"endpoint,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

type DeviceResponse struct {
	DeviceCode    string            `json:"device_code"`
	DisplayCode   string            `json:"display_code"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Name          string            `json:"name"`
	Type          models.DeviceType `json:"type"`
	Online        bool              `json:"online"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
}

func newRequestResponse(req *models.ConnectionRequest) RequestResponse {
	resp := RequestResponse{
		Success:   true,
		Status:    req.Status,
		RequestID: req.ID,
	}

	switch req.Status {
	case models.StatusConnecting, models.StatusConnected:
		resp.Endpoint = req.Endpoint
	case models.StatusError, models.StatusRejected, models.StatusExpired:
		resp.ErrorMessage = req.EndReason
	}

	return resp
}

func newDeviceResponse(d *models.Device) DeviceResponse {
	resp := DeviceResponse{
		DeviceCode:  string(d.Code),
		DisplayCode: d.Code.Grouped(),
		OwnerID:     d.OwnerID,
		Name:        d.Name,
		Type:        d.Type,
		Online:      d.Online,
		Endpoint:    d.Endpoint,
	}

	if !d.LastHeartbeat.IsZero() {
		hb := d.LastHeartbeat
		resp.LastHeartbeat = &hb
	}

	return resp
}
