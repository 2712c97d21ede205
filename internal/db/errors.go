package db

import "errors"

var (
	ErrFailedOpenDB    = errors.New("failed to open database")
	ErrFailedToInit    = errors.New("failed to initialize schema")
	ErrFailedToQuery   = errors.New("failed to query")
	ErrFailedToInsert  = errors.New("failed to insert")
	ErrFailedToUpdate  = errors.New("failed to update")
	ErrRequestNil      = errors.New("connection request is nil")
	ErrDeviceNil       = errors.New("device is nil")
	ErrUnknownDriver   = errors.New("unknown database driver")
	ErrOwnerIDRequired = errors.New("owner id is required")
)
