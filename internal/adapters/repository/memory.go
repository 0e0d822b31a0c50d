package repository

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// memState is an immutable view of the store. Writers build a new one and swap it in.
type memState struct {
	batches map[uuid.UUID]model.Batch
	rows    map[uuid.UUID]model.Placement
	byOwner map[model.OwnerKey][]uuid.UUID
	totals  map[model.OwnerKey]model.OwnerTotals
	seq     int64
}

func (s *memState) clone() *memState {
	next := &memState{
		batches: maps.Clone(s.batches),
		rows:    maps.Clone(s.rows),
		byOwner: make(map[model.OwnerKey][]uuid.UUID, len(s.byOwner)),
		totals:  maps.Clone(s.totals),
		seq:     s.seq,
	}
	for k, ids := range s.byOwner {
		next.byOwner[k] = append([]uuid.UUID(nil), ids...)
	}
	return next
}

// MemoryStore is an in-memory Store. Reads see a consistent snapshot without
// locking; writes are serialized and published with one atomic swap.
type MemoryStore struct {
	mu    sync.Mutex
	state atomic.Pointer[memState]
	now   func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(&memState{
		batches: map[uuid.UUID]model.Batch{},
		rows:    map[uuid.UUID]model.Placement{},
		byOwner: map[model.OwnerKey][]uuid.UUID{},
		totals:  map[model.OwnerKey]model.OwnerTotals{},
	})
	return s
}

func (s *MemoryStore) CommitBatch(ctx context.Context, batch model.Batch, rows []model.Placement, totals []model.OwnerTotals) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	if _, exists := cur.batches[batch.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBatch, batch.ID)
	}
	if err := checkPrior(cur, rows, totals); err != nil {
		return err
	}
	next := cur.clone()
	now := s.now().UTC()

	next.batches[batch.ID] = cloneBatch(batch)
	for i := range rows {
		r := clonePlacement(rows[i])
		if r.ID == uuid.Nil {
			return fmt.Errorf("%w: row %d has no id", ErrInvalidRow, r.SourceRow)
		}
		if _, exists := next.rows[r.ID]; exists {
			return fmt.Errorf("%w: row %s already stored", ErrInvalidRow, r.ID)
		}
		next.seq++
		r.Seq = next.seq
		r.CreatedAt, r.UpdatedAt = now, now
		next.rows[r.ID] = r
		key := r.Key()
		next.byOwner[key] = append(next.byOwner[key], r.ID)
	}
	for _, t := range totals {
		next.totals[t.OwnerKey] = t
		next.stamp(t, now)
	}

	s.state.Store(next)
	return nil
}

// checkPrior rejects totals that were not built on the rows stored now: the
// stored count of each key must be its totals count less the rows being added.
func checkPrior(cur *memState, rows []model.Placement, totals []model.OwnerTotals) error {
	adding := make(map[model.OwnerKey]int, len(totals))
	for i := range rows {
		adding[rows[i].Key()]++
	}
	for _, t := range totals {
		if stored := len(cur.byOwner[t.OwnerKey]); stored != t.Rows-adding[t.OwnerKey] {
			return fmt.Errorf("%w: %s has %d stored rows, totals expect %d", ErrConflict, t.OwnerKey, stored, t.Rows-adding[t.OwnerKey])
		}
	}
	return nil
}

// stamp writes the totals of t onto every stored row of its key.
func (s *memState) stamp(t model.OwnerTotals, now time.Time) {
	for _, id := range s.byOwner[t.OwnerKey] {
		r := s.rows[id]
		r.TotalRevenueGenerated = t.Revenue
		r.TotalIncentive = t.Incentive
		r.TotalIncentivePaid = t.IncentivePaid
		r.UpdatedAt = now
		s.rows[id] = r
	}
}

func (s *MemoryStore) LoadPriorRows(ctx context.Context, kind model.Kind, ownerID string, year int) ([]model.Placement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := s.state.Load()
	ids := cur.byOwner[model.OwnerKey{Kind: kind, OwnerID: ownerID, Year: year}]
	out := make([]model.Placement, 0, len(ids))
	for _, id := range ids {
		out = append(out, clonePlacement(cur.rows[id]))
	}
	return out, nil
}

func (s *MemoryStore) ReplaceComputed(ctx context.Context, rows []model.Placement, totals model.OwnerTotals) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Load().clone()
	now := s.now().UTC()
	for i := range rows {
		stored, ok := next.rows[rows[i].ID]
		if !ok {
			return fmt.Errorf("%w: row %s", ErrNotFound, rows[i].ID)
		}
		next.rows[stored.ID] = withComputed(stored, rows[i], now)
	}
	if stored := len(next.byOwner[totals.OwnerKey]); stored != totals.Rows {
		return fmt.Errorf("%w: %s has %d stored rows, totals cover %d", ErrConflict, totals.OwnerKey, stored, totals.Rows)
	}
	next.totals[totals.OwnerKey] = totals
	next.stamp(totals, now)

	s.state.Store(next)
	return nil
}

// withComputed copies the derived fields of src onto stored.
func withComputed(stored, src model.Placement, now time.Time) model.Placement { //nolint:gocritic // hugeParam: rows are values
	stored.FXRate = src.FXRate
	stored.Incentive = src.Incentive
	stored.TargetType = src.TargetType
	stored.YearlyTarget = src.YearlyTarget
	stored.AchievedToDate = src.AchievedToDate
	stored.PercentAchieved = src.PercentAchieved
	stored.QualifiedSlab = src.QualifiedSlab
	stored.UpdatedAt = now
	return stored
}

func (s *MemoryStore) SetIncentivePaid(ctx context.Context, rowID uuid.UUID, amount decimal.Decimal) (model.Placement, error) {
	if err := ctx.Err(); err != nil {
		return model.Placement{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Load().clone()
	row, ok := next.rows[rowID]
	if !ok {
		return model.Placement{}, fmt.Errorf("%w: row %s", ErrNotFound, rowID)
	}
	now := s.now().UTC()
	paid := amount
	row.IncentivePaid = &paid
	row.UpdatedAt = now
	next.rows[rowID] = row

	key := row.Key()
	totals, ok := next.totals[key]
	if !ok {
		totals = model.OwnerTotals{OwnerKey: key}
	}
	totals.IncentivePaid = decimal.Zero
	for _, id := range next.byOwner[key] {
		if p := next.rows[id].IncentivePaid; p != nil {
			totals.IncentivePaid = totals.IncentivePaid.Add(*p)
		}
	}
	next.totals[key] = totals
	for _, id := range next.byOwner[key] {
		r := next.rows[id]
		r.TotalIncentivePaid = totals.IncentivePaid
		next.rows[id] = r
	}

	s.state.Store(next)
	return clonePlacement(next.rows[rowID]), nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	b, ok := s.state.Load().batches[id]
	if !ok {
		return model.Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) GetPlacement(ctx context.Context, id uuid.UUID) (model.Placement, error) {
	if err := ctx.Err(); err != nil {
		return model.Placement{}, err
	}
	r, ok := s.state.Load().rows[id]
	if !ok {
		return model.Placement{}, fmt.Errorf("%w: row %s", ErrNotFound, id)
	}
	return clonePlacement(r), nil
}

func (s *MemoryStore) Totals(ctx context.Context, key model.OwnerKey) (model.OwnerTotals, error) {
	if err := ctx.Err(); err != nil {
		return model.OwnerTotals{}, err
	}
	t, ok := s.state.Load().totals[key]
	if !ok {
		return model.OwnerTotals{}, fmt.Errorf("%w: totals %s", ErrNotFound, key)
	}
	return t, nil
}

// Count returns the number of stored rows.
func (s *MemoryStore) Count() int {
	return len(s.state.Load().rows)
}
