package service

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrInvalidRequest = errors.New("invalid import request")
	ErrInvalidAmount  = errors.New("invalid amount")
)
