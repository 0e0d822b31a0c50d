// Package service is the placement import and incentive reconciliation engine.
// It wires the stage pipeline, the owner directory, persistence and the audit
// sink behind a small facade.
package service

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/adapters/audit"
	"github.com/okian/tally/internal/adapters/directory"
	"github.com/okian/tally/internal/adapters/repository"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/incentive"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/target"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/internal/domain/validate"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Service is the engine facade.
type Service struct {
	mu     sync.RWMutex
	policy incentive.Policy

	// Collaborators
	store     repository.Store
	directory Directory
	audit     audit.Sink

	// Configuration
	placementTypes     []string
	collectionStatuses []string
	workerCount        int
	laneLimit          int
	now                func() time.Time
	newID              func() uuid.UUID

	locks       *keyLocks
	coordinator *Coordinator
	logger      logger.Logger
}

// New constructs a Service. Defaults follow config.New(): an in-memory store,
// an empty directory and a log audit sink.
func New(opts ...Option) *Service {
	s := &Service{
		now:    time.Now,
		newID:  uuid.New,
		locks:  newKeyLocks(),
		logger: logger.Get().Named("engine"),
	}
	if defaults, err := OptionsFromConfig(config.New()); err == nil {
		for _, opt := range defaults {
			opt(s)
		}
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		s.store = repository.NewMemoryStore()
	}
	if s.directory == nil {
		s.directory = directory.New(nil)
	}
	if s.audit == nil {
		s.audit = audit.NewLogSink()
	}

	statuses := slices.Sorted(maps.Keys(s.policy.Qualifying))
	s.coordinator = &Coordinator{
		store:     s.store,
		directory: s.directory,
		audit:     s.audit,
		validator: validate.New(
			validate.WithBillingStatuses(statuses...),
			validate.WithPlacementTypes(s.placementTypes...),
			validate.WithCollectionStatuses(s.collectionStatuses...),
		),
		policy:      s.Policy,
		locks:       s.locks,
		workerCount: s.workerCount,
		laneLimit:   s.laneLimit,
		now:         s.now,
		newID:       s.newID,
		logger:      s.logger.Named("coordinator"),
	}
	return s
}

// Policy returns the current calculation policy.
func (s *Service) Policy() incentive.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.policy
	p.Qualifying = maps.Clone(s.policy.Qualifying)
	return p
}

// SetSlabTable swaps the slab table. Batches already in flight keep the table
// they started with; stored rows change only through Recompute.
func (s *Service) SetSlabTable(t *incentive.SlabTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy.Slabs = t
}

// Import processes one uploaded batch.
func (s *Service) Import(ctx context.Context, req ImportRequest) (types.Summary, error) { //nolint:gocritic // hugeParam: requests are values
	return s.coordinator.Process(ctx, req)
}

// Recompute recalculates every stored row of one owner and year from zero,
// in insertion order, against the owner's current target and slab table. Each
// row keeps the FX rate it was first calculated with. Rows and totals are
// replaced in one write.
func (s *Service) Recompute(ctx context.Context, kind model.Kind, ownerID string, year int) (model.OwnerTotals, error) {
	key := model.OwnerKey{Kind: kind, OwnerID: ownerID, Year: year}
	log := s.logger.With(logger.String("key", key.String()))

	release, err := s.locks.acquire(ctx, key)
	if err != nil {
		return model.OwnerTotals{}, err
	}
	defer release()

	rows, err := s.store.LoadPriorRows(ctx, kind, ownerID, year)
	if err != nil {
		return model.OwnerTotals{}, fmt.Errorf("%w: load rows of %s: %w", model.ErrPersistence, key, err)
	}
	if len(rows) == 0 {
		return model.OwnerTotals{}, fmt.Errorf("%w: no rows for %s", repository.ErrNotFound, key)
	}

	res, err := target.New(s.directory, target.WithLogger(s.logger)).Resolve(ctx, ownerID, year)
	if err != nil {
		return model.OwnerTotals{}, fmt.Errorf("recompute %s: %w", key, err)
	}

	calc := incentive.NewCalculator(s.Policy())
	var snap incentive.Snapshot
	out := make([]model.Placement, 0, len(rows))
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return model.OwnerTotals{}, err
		}
		var row model.Placement
		row, snap, err = calc.Calculate(rows[i], res.Target, snap)
		if err != nil {
			log.Error(ctx, "calculation fault", logger.Int("row", rows[i].SourceRow), logger.Error(err))
			return model.OwnerTotals{}, fmt.Errorf("recompute %s: row %s: %w", key, rows[i].ID, err)
		}
		out = append(out, row)
	}
	incentive.Stamp(out, snap)

	totals := snap.Totals(key)
	if err := s.store.ReplaceComputed(ctx, out, totals); err != nil {
		return model.OwnerTotals{}, fmt.Errorf("%w: replace %s: %w", model.ErrPersistence, key, err)
	}
	metrics.RecordRecompute()
	log.Info(ctx, "recomputed",
		logger.Int("rows", len(out)),
		logger.Decimal("achieved", totals.Achieved),
		logger.Decimal("incentive", totals.Incentive),
	)
	return totals, nil
}

// RecordIncentivePaid stores what payroll actually disbursed for a row and
// refreshes the paid total of its owner and year. The computed incentive is
// left alone.
func (s *Service) RecordIncentivePaid(ctx context.Context, rowID uuid.UUID, amount decimal.Decimal) (model.Placement, error) {
	if amount.IsNegative() {
		return model.Placement{}, fmt.Errorf("%w: incentive paid must not be negative, got %s", ErrInvalidAmount, amount)
	}
	stored, err := s.store.GetPlacement(ctx, rowID)
	if err != nil {
		return model.Placement{}, fmt.Errorf("record incentive paid for %s: %w", rowID, err)
	}
	release, err := s.locks.acquire(ctx, stored.Key())
	if err != nil {
		return model.Placement{}, err
	}
	defer release()

	row, err := s.store.SetIncentivePaid(ctx, rowID, amount.Round(2))
	if err != nil {
		return model.Placement{}, fmt.Errorf("record incentive paid for %s: %w", rowID, err)
	}
	s.logger.Info(ctx, "incentive paid recorded",
		logger.String("row_id", rowID.String()),
		logger.Decimal("amount", amount),
		logger.Decimal("total_paid", row.TotalIncentivePaid),
	)
	return row, nil
}

// Batch returns a stored batch with its error manifest.
func (s *Service) Batch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// Placement returns one stored row.
func (s *Service) Placement(ctx context.Context, id uuid.UUID) (model.Placement, error) {
	return s.store.GetPlacement(ctx, id)
}

// Totals returns the stored rollup of one owner and year.
func (s *Service) Totals(ctx context.Context, key model.OwnerKey) (model.OwnerTotals, error) {
	return s.store.Totals(ctx, key)
}
