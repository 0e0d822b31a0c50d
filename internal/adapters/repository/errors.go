package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateBatch = errors.New("batch already committed")
	ErrInvalidRow     = errors.New("invalid row")
	// ErrConflict means the stored rows of an owner and year changed after the
	// caller read them, so its totals would overwrite another writer's.
	ErrConflict = errors.New("owner totals changed concurrently")
)
