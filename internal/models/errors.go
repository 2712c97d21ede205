package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the coarse category callers branch on.
type ErrorKind string

const (
	KindNotFound       ErrorKind = "NotFound"
	KindConflict       ErrorKind = "Conflict"
	KindUnauthorized   ErrorKind = "Unauthorized"
	KindUnavailable    ErrorKind = "Unavailable"
	KindTimeout        ErrorKind = "Timeout"
	KindTransientInfra ErrorKind = "TransientInfra"
	KindInvalid        ErrorKind = "Invalid"
)

// Machine-readable error tags.
const (
	TagDeviceNotFound     = "DeviceNotFound"
	TagRequestNotFound    = "RequestNotFound"
	TagDeviceNotClaimed   = "DeviceNotClaimed"
	TagAlreadyClaimed     = "AlreadyClaimed"
	TagInvalidStatus      = "InvalidStatus"
	TagNotOwner           = "NotOwner"
	TagHostOffline        = "HostOffline"
	TagPresenceUnresolved = "PresenceUnresolved"
	TagExpired            = "Expired"
	TagBadRequest         = "BadRequest"
)

// Error is a typed negotiation failure.
type Error struct {
	Kind    ErrorKind
	Tag     string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Tag, e.Message)
}

// Is matches on Kind and Tag so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return e.Kind == t.Kind && e.Tag == t.Tag
}

// NewError builds a typed error.
func NewError(kind ErrorKind, tag, msg string) *Error {
	return &Error{Kind: kind, Tag: tag, Message: msg}
}

var (
	ErrDeviceNotFound   = NewError(KindNotFound, TagDeviceNotFound, "device not found")
	ErrRequestNotFound  = NewError(KindNotFound, TagRequestNotFound, "connection request not found")
	ErrDeviceNotClaimed = NewError(KindConflict, TagDeviceNotClaimed, "device has no owner")
	ErrAlreadyClaimed   = NewError(KindConflict, TagAlreadyClaimed, "device already claimed")
	ErrInvalidStatus    = NewError(KindConflict, TagInvalidStatus, "invalid status for this operation")
	ErrNotOwner         = NewError(KindUnauthorized, TagNotOwner, "actor may not act on this resource")
	ErrHostOffline      = NewError(KindUnavailable, TagHostOffline, "Agent is not online")
	ErrExpired          = NewError(KindTimeout, TagExpired, "approval window elapsed")
	ErrUnresolved       = NewError(KindUnavailable, TagPresenceUnresolved, "no push channel for device")
)

// KindOf extracts the kind of a typed error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

// TagOf extracts the tag of a typed error, or "" for anything else.
func TagOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag
	}

	return ""
}

// Invalid builds a malformed-input error.
func Invalid(msg string) *Error {
	return NewError(KindInvalid, TagBadRequest, msg)
}
