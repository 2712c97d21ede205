package coordinator

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/negotiator"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !s.decode(w, r, &body) {
		return
	}

	dev, err := s.negotiator.Register(r.Context(), &models.Device{
		Code:     models.DeviceCode(body.DeviceCode),
		Name:     body.Name,
		Type:     body.Type,
		Endpoint: body.Endpoint,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeviceResponse(dev))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.negotiator.Device(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeviceResponse(dev))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if !s.decode(w, r, &body) {
		return
	}

	if err := s.negotiator.Heartbeat(r.Context(), mux.Vars(r)["code"], body.Endpoint); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.negotiator.Offline(r.Context(), mux.Vars(r)["code"]); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimRequest
	if !s.decode(w, r, &body) {
		return
	}

	dev, err := s.negotiator.Claim(r.Context(), mux.Vars(r)["code"], body.OwnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeviceResponse(dev))
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body connectionRequestBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.negotiator.Request(r.Context(), negotiator.RequestParams{
		TargetCode:    body.TargetCode,
		RequesterID:   body.RequesterID,
		RequesterName: body.RequesterName,
		RequesterIP:   clientIP(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newRequestResponse(req))
}

// handlePending answers the polling fallback with the request or null.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	req, err := s.negotiator.Pending(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var body responseBody
	if !s.decode(w, r, &body) {
		return
	}

	req, err := s.negotiator.Respond(r.Context(), body.RequestID, body.ActorID, body.Accepted, body.Endpoint)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newRequestResponse(req))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.negotiator.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var body transitionBody
	if !s.decode(w, r, &body) {
		return
	}

	vars := mux.Vars(r)
	id := vars["id"]

	var (
		req *models.ConnectionRequest
		err error
	)

	switch vars["action"] {
	case "approve":
		req, err = s.negotiator.Approve(r.Context(), id, body.ActorID, body.Endpoint)
	case "reject":
		req, err = s.negotiator.Reject(r.Context(), id, body.ActorID, body.Reason)
	case "connect":
		req, err = s.negotiator.Connected(r.Context(), id, body.ActorID)
	case "end":
		req, err = s.negotiator.End(r.Context(), id, body.ActorID, body.Reason)
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newRequestResponse(req))
}
