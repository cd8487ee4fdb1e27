package manager

import "errors"

// Errors returned by Manager operations. Callers should match with errors.Is;
// returned errors usually wrap these with detail.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("invalid state")
	ErrNotFound        = errors.New("not found")
)
