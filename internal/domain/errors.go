package domain

import "errors"

// Error classes. Component errors wrap one of these so callers can branch on the
// class with errors.Is without knowing every specific error.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrInsufficient = errors.New("insufficient resources")
	ErrForbidden    = errors.New("forbidden")
	ErrIntegrity    = errors.New("integrity violation")
)
