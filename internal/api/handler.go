package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/rdisplay"
	"github.com/rviscarra/remotedesk/internal/rtc"
)

type handler struct {
	webrtc  rtc.Service
	display rdisplay.Service
	screen  int
	log     logger.Logger
}

func (h *handler) handleError(w http.ResponseWriter, status int, err error) {
	h.log.Warn().Err(err).Int("status", status).Msg("Request failed")
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MakeHandler returns the agent local HTTP handler. screen is the index
// being captured and is flagged as active in /screens.
func MakeHandler(webrtc rtc.Service, display rdisplay.Service, screen int, log logger.Logger) http.Handler {
	h := &handler{
		webrtc:  webrtc,
		display: display,
		screen:  screen,
		log:     log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", h.session)
	mux.HandleFunc("/screens", h.screens)

	return mux
}

// session answers a WebRTC offer. The resulting data channel goes through
// the approval gate like any other stream.
func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req := newSessionRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, http.StatusBadRequest, err)
		return
	}

	if req.Offer == "" {
		h.handleError(w, http.StatusBadRequest, errors.New("offer is required"))
		return
	}

	peer, err := h.webrtc.CreateRemoteScreenConnection()
	if err != nil {
		h.handleError(w, http.StatusInternalServerError, err)
		return
	}

	answer, err := peer.ProcessOffer(r.Context(), req.Offer)
	if err != nil {
		_ = peer.Close()

		status := http.StatusInternalServerError
		if errors.Is(err, rtc.ErrNoDataChannel) {
			status = http.StatusBadRequest
		}

		h.handleError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse{Answer: answer})
}

func (h *handler) screens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	screens, err := h.display.Screens()
	if err != nil {
		h.handleError(w, http.StatusInternalServerError, err)
		return
	}

	screensPayload := make([]screenPayload, len(screens))
	for i, s := range screens {
		screensPayload[i] = screenPayload{
			Index:  s.Index,
			X:      s.Bounds.Min.X,
			Y:      s.Bounds.Min.Y,
			Width:  s.Bounds.Dx(),
			Height: s.Bounds.Dy(),
			Active: s.Index == h.screen,
		}
	}

	writeJSON(w, http.StatusOK, screensResponse{Screens: screensPayload})
}
