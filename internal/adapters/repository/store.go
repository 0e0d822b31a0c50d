// Package repository persists batches, placement rows and owner totals.
package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// Store is the persistence collaborator of the engine.
type Store interface {
	// CommitBatch writes the batch with its error manifest, its staged rows and the
	// refreshed totals of every touched (owner, year) in one atomic step. Rows already
	// stored under a totals key get the new Total* values. Either everything is
	// visible afterwards or nothing is.
	CommitBatch(ctx context.Context, batch model.Batch, rows []model.Placement, totals []model.OwnerTotals) error

	// LoadPriorRows returns the stored rows of one owner and year in insertion order.
	LoadPriorRows(ctx context.Context, kind model.Kind, ownerID string, year int) ([]model.Placement, error)

	// ReplaceComputed overwrites the derived fields of already stored rows and the
	// totals of their (owner, year). Returns ErrNotFound if any row is unknown.
	ReplaceComputed(ctx context.Context, rows []model.Placement, totals model.OwnerTotals) error

	// SetIncentivePaid records a payroll disbursement and refreshes TotalIncentivePaid
	// for the row's (owner, year). Returns the updated row.
	SetIncentivePaid(ctx context.Context, rowID uuid.UUID, amount decimal.Decimal) (model.Placement, error)

	// GetBatch returns a batch with its error manifest.
	GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error)

	// GetPlacement returns one stored row.
	GetPlacement(ctx context.Context, id uuid.UUID) (model.Placement, error)

	// Totals returns the stored rollup of one owner and year.
	Totals(ctx context.Context, key model.OwnerKey) (model.OwnerTotals, error)
}

// clonePlacement copies pointer and slice fields so stored rows never alias caller memory.
func clonePlacement(p model.Placement) model.Placement { //nolint:gocritic // hugeParam: copying is the point
	if p.BatchID != nil {
		id := *p.BatchID
		p.BatchID = &id
	}
	if p.DateOfBillingQualification != nil {
		t := *p.DateOfBillingQualification
		p.DateOfBillingQualification = &t
	}
	if p.BilledHours != nil {
		h := *p.BilledHours
		p.BilledHours = &h
	}
	if p.IncentivePaid != nil {
		v := *p.IncentivePaid
		p.IncentivePaid = &v
	}
	if p.SplitWith != nil {
		p.SplitWith = append([]string(nil), p.SplitWith...)
	}
	return p
}

func cloneBatch(b model.Batch) model.Batch { //nolint:gocritic // hugeParam: copying is the point
	if b.Errors != nil {
		b.Errors = append([]model.RowError(nil), b.Errors...)
	}
	return b
}
