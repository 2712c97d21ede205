// Package negotiator owns the connection request state machine. It is the
// only writer of request records and presence state.
package negotiator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rviscarra/remotedesk/internal/db"
	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
	"github.com/rviscarra/remotedesk/internal/notify"
	"github.com/rviscarra/remotedesk/internal/presence"
)

const (
	DefaultPushRetries     = 10
	DefaultPushRetryDelay  = 200 * time.Millisecond
	DefaultApprovalTimeout = 60 * time.Second
	DefaultSweepInterval   = 5 * time.Second
	DefaultPresenceTTL     = 90 * time.Second
)

// Config holds the negotiation timings.
type Config struct {
	PushRetries     int
	PushRetryDelay  time.Duration
	ApprovalTimeout time.Duration
	SweepInterval   time.Duration
	// PresenceTTL is the fast-tier TTL written on every heartbeat.
	PresenceTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.PushRetries <= 0 {
		c.PushRetries = DefaultPushRetries
	}

	if c.PushRetryDelay <= 0 {
		c.PushRetryDelay = DefaultPushRetryDelay
	}

	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = DefaultApprovalTimeout
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}

	if c.PresenceTTL <= 0 {
		c.PresenceTTL = DefaultPresenceTTL
	}
}

// Presence is the part of the presence store the negotiator drives.
type Presence interface {
	presence.Resolver
	Heartbeat(ctx context.Context, identity, endpoint string, ttl time.Duration) error
	SetOffline(ctx context.Context, identity string) error
}

// Negotiator serializes every status change through the store's guarded
// transitions and pushes the result to the other party.
type Negotiator struct {
	store    db.Store
	presence Presence
	sender   notify.Sender
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
	logger   logger.Logger
}

// New builds a negotiator.
func New(store db.Store, p Presence, sender notify.Sender, cfg Config, log logger.Logger) *Negotiator {
	cfg.setDefaults()

	return &Negotiator{
		store:    store,
		presence: p,
		sender:   sender,
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("github.com/rviscarra/remotedesk/internal/negotiator"),
		logger:   log.WithComponent("negotiator"),
	}
}

func (n *Negotiator) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return n.tracer.Start(ctx, "negotiator."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func parseCode(code string) (models.DeviceCode, error) {
	c, err := models.ParseDeviceCode(code)
	if err != nil {
		// A malformed code cannot name any device.
		return "", models.ErrDeviceNotFound
	}

	return c, nil
}

// Register records a device and marks it online. A missing code is generated.
func (n *Negotiator) Register(ctx context.Context, dev *models.Device) (_ *models.Device, err error) {
	ctx, span := n.span(ctx, "Register")
	defer func() { endSpan(span, err) }()

	if dev.Code == "" {
		if dev.Code, err = models.NewDeviceCode(); err != nil {
			return nil, err
		}
	} else if dev.Code, err = models.ParseDeviceCode(string(dev.Code)); err != nil {
		return nil, models.Invalid(err.Error())
	}

	if dev.Type == "" {
		dev.Type = models.DeviceTypeAgent
	}

	if err := n.store.RegisterDevice(ctx, dev); err != nil {
		return nil, err
	}

	if err := n.presence.Heartbeat(ctx, string(dev.Code), "", n.cfg.PresenceTTL); err != nil {
		return nil, err
	}

	n.logger.Info().Str("device_code", string(dev.Code)).Str("type", string(dev.Type)).Msg("Device registered")

	return n.store.GetDevice(ctx, dev.Code)
}

// Heartbeat refreshes liveness and, when given, the reachable endpoint.
func (n *Negotiator) Heartbeat(ctx context.Context, code, endpoint string) (err error) {
	ctx, span := n.span(ctx, "Heartbeat", attribute.String("device_code", code))
	defer func() { endSpan(span, err) }()

	c, err := parseCode(code)
	if err != nil {
		return err
	}

	return n.presence.Heartbeat(ctx, string(c), endpoint, n.cfg.PresenceTTL)
}

// Offline marks a device as gone.
func (n *Negotiator) Offline(ctx context.Context, code string) (err error) {
	ctx, span := n.span(ctx, "Offline", attribute.String("device_code", code))
	defer func() { endSpan(span, err) }()

	c, err := parseCode(code)
	if err != nil {
		return err
	}

	return n.presence.SetOffline(ctx, string(c))
}

// Claim binds owner to an unowned device, exactly once.
func (n *Negotiator) Claim(ctx context.Context, code, owner string) (_ *models.Device, err error) {
	ctx, span := n.span(ctx, "Claim", attribute.String("device_code", code))
	defer func() { endSpan(span, err) }()

	if owner == "" {
		return nil, models.Invalid("owner_id is required")
	}

	c, err := parseCode(code)
	if err != nil {
		return nil, err
	}

	if err := n.store.ClaimDevice(ctx, c, owner); err != nil {
		return nil, err
	}

	n.logger.Info().Str("device_code", string(c)).Str("owner_id", owner).Msg("Device claimed")

	return n.store.GetDevice(ctx, c)
}

// Device looks up a device record.
func (n *Negotiator) Device(ctx context.Context, code string) (*models.Device, error) {
	c, err := parseCode(code)
	if err != nil {
		return nil, err
	}

	return n.store.GetDevice(ctx, c)
}
