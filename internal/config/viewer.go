package config

import (
	"time"

	"github.com/rviscarra/remotedesk/internal/logger"
)

type Viewer struct {
	CoordinatorURL string        `yaml:"coordinator_url"`
	RequesterID    string        `yaml:"requester_id"`
	RequesterName  string        `yaml:"requester_name"`
	Output         string        `yaml:"output"`
	WaitTimeout    Duration      `yaml:"wait_timeout"`
	PollInterval   Duration      `yaml:"poll_interval"`
	Logging        logger.Config `yaml:"logging"`

	// SessionURL, when set, is the agent's /api/session endpoint and the
	// stream is opened over WebRTC instead of dialing the TCP endpoint.
	SessionURL string `yaml:"session_url"`
	STUN       string `yaml:"stun"`
}

// LoadViewer reads path (optional), applies REMOTEDESK_COORDINATOR_URL and
// then the defaults.
func LoadViewer(path string) (*Viewer, error) {
	var cfg Viewer
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	envOverride(&cfg.CoordinatorURL, "REMOTEDESK_COORDINATOR_URL")

	orDefaultString(&cfg.CoordinatorURL, "http://127.0.0.1:8080")
	orDefaultString(&cfg.Output, "frame.jpg")
	orDefaultString(&cfg.Logging.Level, "info")
	orDefaultString(&cfg.STUN, DefaultSTUN)

	orDefault(&cfg.WaitTimeout, 90*time.Second)
	orDefault(&cfg.PollInterval, time.Second)

	return &cfg, nil
}
