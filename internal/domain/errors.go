package domain

import "errors"

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidLockup     = errors.New("invalid lockup duration")
	ErrInvalidTrack      = errors.New("invalid reward track")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyWithdrawn  = errors.New("position already withdrawn")
	ErrLockupActive      = errors.New("lockup still active")
	ErrClockRegression   = errors.New("clock regression")
	ErrSettlementFailed  = errors.New("settlement transfer failed")
	ErrConflict          = errors.New("concurrent modification")
	ErrLockHeld          = errors.New("lock already held")
	ErrRateLimited       = errors.New("rate limited")
)
