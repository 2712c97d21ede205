// Package config loads the YAML configuration of the three binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownDriver  = errors.New("database driver must be sqlite or postgres")
	ErrInvalidQuality = errors.New("capture quality must be between 1 and 100")
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

// Duration reads "30s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func orDefault(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func orDefaultString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func envOverride(s *string, key string) {
	if v := os.Getenv(key); v != "" {
		*s = v
	}
}

// load reads path into cfg. An empty path leaves cfg untouched so that
// binaries run on defaults alone.
func load(path string, cfg any) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	return nil
}
