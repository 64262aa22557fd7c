package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("invalid input")
	ErrMissingContext  = errors.New("missing refinement context")
	ErrProviderFailure = errors.New("provider failure")
	ErrDuplicateEntry  = errors.New("duplicate entry")
)
