package config

import (
	"time"

	"github.com/rviscarra/remotedesk/internal/logger"
)

type Agent struct {
	CoordinatorURL string `yaml:"coordinator_url"`

	// OwnerID is the account this agent acts for. When set, the device is
	// claimed for it on first start and approvals are sent as this actor.
	OwnerID   string        `yaml:"owner_id"`
	Name      string        `yaml:"name"`
	StateFile string        `yaml:"state_file"`
	Logging   logger.Config `yaml:"logging"`

	// Listen is the transport listener; Advertise is the host:port handed to
	// controllers and defaults to Listen.
	Listen     string `yaml:"listen"`
	Advertise  string `yaml:"advertise"`
	HTTPListen string `yaml:"http_listen"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	ApprovalTimeout   Duration `yaml:"approval_timeout"`

	// AutoApprove answers every request with yes. Meant for unattended
	// machines whose owner is also the only requester.
	AutoApprove bool `yaml:"auto_approve"`

	// RequireApproval refuses streams that arrive while no request is
	// being approved.
	RequireApproval bool `yaml:"require_approval"`

	Capture   CaptureConfig   `yaml:"capture"`
	Transport TransportConfig `yaml:"transport"`
	Input     InputConfig     `yaml:"input"`
}

type CaptureConfig struct {
	Screen        int      `yaml:"screen"`
	FrameInterval Duration `yaml:"frame_interval"`

	// Width and Height of the encoded frame; 0 means native.
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	Quality    int    `yaml:"quality"`
	Codec      string `yaml:"codec"`
	HideCursor bool   `yaml:"hide_cursor"`
}

type TransportConfig struct {
	ReadPoll     Duration `yaml:"read_poll"`
	WriteTimeout Duration `yaml:"write_timeout"`

	// STUN server for the WebRTC transport served on HTTPListen
	STUN string `yaml:"stun"`
}

type InputConfig struct {
	Disabled bool `yaml:"disabled"`
}

// LoadAgent reads path (optional), applies REMOTEDESK_COORDINATOR_URL and
// then the defaults.
func LoadAgent(path string) (*Agent, error) {
	var cfg Agent
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	envOverride(&cfg.CoordinatorURL, "REMOTEDESK_COORDINATOR_URL")

	orDefaultString(&cfg.CoordinatorURL, "http://127.0.0.1:8080")
	orDefaultString(&cfg.StateFile, "remotedesk-agent.json")
	orDefaultString(&cfg.Logging.Level, "info")
	orDefaultString(&cfg.Listen, ":8888")
	orDefaultString(&cfg.HTTPListen, "127.0.0.1:9000")

	orDefault(&cfg.HeartbeatInterval, 30*time.Second)
	orDefault(&cfg.ApprovalTimeout, 60*time.Second)

	orDefault(&cfg.Capture.FrameInterval, 33*time.Millisecond)
	orDefaultString(&cfg.Capture.Codec, "jpeg")

	if cfg.Capture.Quality == 0 {
		cfg.Capture.Quality = 80
	}

	if cfg.Capture.Quality < 1 || cfg.Capture.Quality > 100 {
		return nil, ErrInvalidQuality
	}

	orDefault(&cfg.Transport.ReadPoll, 100*time.Millisecond)
	orDefault(&cfg.Transport.WriteTimeout, 5*time.Second)
	orDefaultString(&cfg.Transport.STUN, DefaultSTUN)

	return &cfg, nil
}
