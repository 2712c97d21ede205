// Package models holds the records shared by the coordinator, agent and controller.
package models

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"
)

// DeviceCodeLength is the number of digits in a device code.
const DeviceCodeLength = 9

var (
	ErrInvalidDeviceCode = errors.New("device code must be 9 digits")
)

// DeviceCode is the short numeric identity a human reads off one machine and
// types on another. It is always stored ungrouped.
type DeviceCode string

// ParseDeviceCode accepts the grouped display form ("123 456 789",
// "123-456-789") or the bare form and returns the canonical code.
func ParseDeviceCode(s string) (DeviceCode, error) {
	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return "", ErrInvalidDeviceCode
		}
	}

	if b.Len() != DeviceCodeLength {
		return "", ErrInvalidDeviceCode
	}

	return DeviceCode(b.String()), nil
}

// NewDeviceCode draws a random code. The first digit is never zero so the
// grouped form never starts with a leading zero group.
func NewDeviceCode() (DeviceCode, error) {
	lo := big.NewInt(100_000_000)
	span := big.NewInt(900_000_000)

	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return "", err
	}

	return DeviceCode(n.Add(n, lo).String()), nil
}

// Grouped renders the code in groups of three for display.
func (c DeviceCode) Grouped() string {
	s := string(c)
	if len(s) != DeviceCodeLength {
		return s
	}

	return s[0:3] + " " + s[3:6] + " " + s[6:9]
}

func (c DeviceCode) String() string { return string(c) }

// DeviceType classifies what a client registered as.
type DeviceType string

const (
	DeviceTypeAgent      DeviceType = "agent"
	DeviceTypeController DeviceType = "controller"
)

// Device is the durable record of one registered machine.
type Device struct {
	Code          DeviceCode `json:"device_code"`
	OwnerID       string     `json:"owner_id,omitempty"`
	Name          string     `json:"name"`
	Type          DeviceType `json:"type"`
	Online        bool       `json:"online"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Endpoint      string     `json:"endpoint,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Claimed reports whether an owner has been bound.
func (d *Device) Claimed() bool {
	return d.OwnerID != ""
}

// Fresh reports whether the last heartbeat falls inside window.
func (d *Device) Fresh(now time.Time, window time.Duration) bool {
	if d.LastHeartbeat.IsZero() {
		return false
	}

	return now.Sub(d.LastHeartbeat) <= window
}

// Role distinguishes the two presence keys one physical client can hold.
type Role string

const (
	RoleTarget    Role = "target"
	RoleRequester Role = "requester"
)
