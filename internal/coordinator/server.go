// Package coordinator is the HTTP surface of the coordination service.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/negotiator"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/presence"
)

// Negotiator is the set of operations the HTTP surface exposes.
type Negotiator interface {
	Register(ctx context.Context, dev *models.Device) (*models.Device, error)
	Heartbeat(ctx context.Context, code, endpoint string) error
	Offline(ctx context.Context, code string) error
	Claim(ctx context.Context, code, owner string) (*models.Device, error)
	Device(ctx context.Context, code string) (*models.Device, error)

	Request(ctx context.Context, p negotiator.RequestParams) (*models.ConnectionRequest, error)
	Get(ctx context.Context, id string) (*models.ConnectionRequest, error)
	Pending(ctx context.Context, code string) (*models.ConnectionRequest, error)
	Respond(ctx context.Context, id, actor string, accepted bool, endpoint string) (*models.ConnectionRequest, error)
	Approve(ctx context.Context, id, actor, endpoint string) (*models.ConnectionRequest, error)
	Reject(ctx context.Context, id, actor, reason string) (*models.ConnectionRequest, error)
	Connected(ctx context.Context, id, actor string) (*models.ConnectionRequest, error)
	End(ctx context.Context, id, actor, reason string) (*models.ConnectionRequest, error)
}

// Server routes the coordinator API.
type Server struct {
	router     *mux.Router
	negotiator Negotiator
	push       http.Handler
	gatherer   prometheus.Gatherer
	logger     logger.Logger
}

// NewServer builds the router. Options attach the optional parts.
func NewServer(n Negotiator, options ...func(*Server)) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		negotiator: n,
		logger:     logger.GetLogger(),
	}

	for _, o := range options {
		o(s)
	}

	s.logger = s.logger.WithComponent("api")
	s.setupRoutes()

	return s
}

// WithPushHandler mounts the websocket push endpoint.
func WithPushHandler(h http.Handler) func(*Server) {
	return func(s *Server) {
		s.push = h
	}
}

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) func(*Server) {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger replaces the process logger.
func WithLogger(log logger.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = log
	}
}

// NewRegistry registers every metric the coordinator exports.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	for _, group := range [][]prometheus.Collector{
		negotiator.Collectors(),
		presence.Collectors(),
		notify.Collectors(),
	} {
		reg.MustRegister(group...)
	}

	return reg
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/devices/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/devices/{code}", s.handleGetDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{code}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/devices/{code}/offline", s.handleOffline).Methods(http.MethodPost)
	api.HandleFunc("/devices/{code}/claim", s.handleClaim).Methods(http.MethodPost)

	api.HandleFunc("/request", s.handleRequest).Methods(http.MethodPost)
	api.HandleFunc("/pending/{code}", s.handlePending).Methods(http.MethodGet)
	api.HandleFunc("/response", s.handleResponse).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/{action:approve|reject|connect|end}", s.handleTransition).Methods(http.MethodPost)

	if s.push != nil {
		api.Handle("/ws", s.push).Methods(http.MethodGet)
	}

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict:
		return http.StatusConflict
	case models.KindUnauthorized:
		return http.StatusForbidden
	case models.KindUnavailable:
		return http.StatusServiceUnavailable
	case models.KindTimeout:
		return http.StatusRequestTimeout
	case models.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var typed *models.Error
	if !errors.As(err, &typed) {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal", ErrorMessage: "internal error"})

		return
	}

	writeJSON(w, statusFor(typed.Kind), errorResponse{Error: typed.Tag, ErrorMessage: typed.Message})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, models.Invalid("malformed JSON body"))
		return false
	}

	return true
}

// clientIP is the first X-Forwarded-For hop or the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
