package config

import (
	"time"

	"github.com/rviscarra/remotedesk/internal/logger"
)

type Coordinator struct {
	Listen      string            `yaml:"listen"`
	Logging     logger.Config     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	Presence    PresenceConfig    `yaml:"presence"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Hub         HubConfig         `yaml:"hub"`
}

type DatabaseConfig struct {
	Driver         string   `yaml:"driver"`
	URL            string   `yaml:"url"`
	Path           string   `yaml:"path"`
	MaxConnections int32    `yaml:"max_connections"`
	MinConnections int32    `yaml:"min_connections"`
	MaxConnLife    Duration `yaml:"max_conn_lifetime"`
}

// NATSConfig enables the JetStream fast tier and the cross-node relay. Both
// are off when URL is empty.
type NATSConfig struct {
	URL          string `yaml:"url"`
	Bucket       string `yaml:"bucket"`
	RelaySubject string `yaml:"relay_subject"`
}

type PresenceConfig struct {
	Freshness Duration `yaml:"freshness"`
	TTL       Duration `yaml:"ttl"`

	// Memory uses an in-process fast tier when NATS is not configured.
	Memory bool `yaml:"memory"`
}

type NegotiationConfig struct {
	PushRetries     int      `yaml:"push_retries"`
	PushRetryDelay  Duration `yaml:"push_retry_delay"`
	ApprovalTimeout Duration `yaml:"approval_timeout"`
	SweepInterval   Duration `yaml:"sweep_interval"`
}

type HubConfig struct {
	PingInterval Duration `yaml:"ping_interval"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// LoadCoordinator reads path (optional), applies defaults and then the
// REMOTEDESK_DATABASE_URL and REMOTEDESK_NATS_URL overrides.
func LoadCoordinator(path string) (*Coordinator, error) {
	var cfg Coordinator
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	envOverride(&cfg.Database.URL, "REMOTEDESK_DATABASE_URL")
	envOverride(&cfg.NATS.URL, "REMOTEDESK_NATS_URL")

	orDefaultString(&cfg.Listen, ":8080")
	orDefaultString(&cfg.Logging.Level, "info")

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
		if cfg.Database.URL != "" {
			cfg.Database.Driver = "postgres"
		}
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return nil, ErrUnknownDriver
	}

	orDefaultString(&cfg.Database.Path, "remotedesk.db")

	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}

	orDefault(&cfg.Database.MaxConnLife, time.Hour)

	orDefaultString(&cfg.NATS.Bucket, "remotedesk_presence")
	orDefaultString(&cfg.NATS.RelaySubject, "remotedesk.push")

	orDefault(&cfg.Presence.Freshness, 5*time.Minute)
	orDefault(&cfg.Presence.TTL, 90*time.Second)

	if cfg.Negotiation.PushRetries <= 0 {
		cfg.Negotiation.PushRetries = 10
	}

	orDefault(&cfg.Negotiation.PushRetryDelay, 200*time.Millisecond)
	orDefault(&cfg.Negotiation.ApprovalTimeout, 60*time.Second)
	orDefault(&cfg.Negotiation.SweepInterval, 5*time.Second)

	orDefault(&cfg.Hub.PingInterval, 30*time.Second)
	orDefault(&cfg.Hub.WriteTimeout, 10*time.Second)

	return &cfg, nil
}
