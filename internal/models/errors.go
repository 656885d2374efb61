package models

import "errors"

// Expected failure modes of the engines. Handlers translate these to
// HTTP statuses; anything not in this list is treated as an internal
// error and rolled back.
var (
	ErrNotFound            = errors.New("not found")
	ErrCodeAlreadyUsed     = errors.New("code has already been used")
	ErrTaskAlreadyComplete = errors.New("task already started or completed")
	ErrInsufficientBalance = errors.New("insufficient points balance")
	ErrTierIneligible      = errors.New("withdrawal tier not reached")
	ErrInvalidInput        = errors.New("invalid input")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrStateConflict       = errors.New("operation not valid in current state")
)
