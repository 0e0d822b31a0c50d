package directory

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrUnknownOwner     = errors.New("unknown owner")
	ErrNoTarget         = errors.New("no target for year")
	ErrInvalidDirectory = errors.New("invalid directory")
)
