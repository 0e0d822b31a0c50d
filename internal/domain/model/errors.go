package model

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel error kinds. These allow errors.Is/As from callers.
var (
	ErrTargetNotFound = errors.New("target not found")
	ErrCalculation    = errors.New("calculation fault")
	ErrPersistence    = errors.New("persistence fault")
	ErrCancelled      = errors.New("batch cancelled")
)

// ErrorKind classifies a row-level failure.
type ErrorKind string

const (
	ErrorParse          ErrorKind = "parse"
	ErrorValidation     ErrorKind = "validation"
	ErrorDuplicate      ErrorKind = "duplicate"
	ErrorOwnership      ErrorKind = "ownership"
	ErrorTargetNotFound ErrorKind = "target_not_found"
	ErrorCalculation    ErrorKind = "calculation"
)

// RowError is one entry of a batch error manifest.
type RowError struct {
	RowIndex int       `json:"rowIndex"`
	Field    string    `json:"field,omitempty"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

func (e RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s: %s", e.RowIndex, e.Kind, e.Message)
	}
	return fmt.Sprintf("row %d: %s: %s: %s", e.RowIndex, e.Kind, e.Field, e.Message)
}

// Is lets errors.Is match a RowError against the sentinel of its kind.
func (e RowError) Is(target error) bool {
	switch e.Kind {
	case ErrorTargetNotFound:
		return target == ErrTargetNotFound
	case ErrorCalculation:
		return target == ErrCalculation
	default:
		return false
	}
}

// SortRowErrors orders a manifest by row index, keeping per-row order stable.
func SortRowErrors(errs []RowError) {
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].RowIndex < errs[j].RowIndex
	})
}

// RowIndices returns the distinct row indices present in a manifest.
func RowIndices(errs []RowError) map[int]struct{} {
	out := make(map[int]struct{}, len(errs))
	for _, e := range errs {
		out[e.RowIndex] = struct{}{}
	}
	return out
}
