package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/internal/adapters/audit"
	"github.com/okian/tally/internal/adapters/mq/queue"
	"github.com/okian/tally/internal/adapters/mq/worker"
	"github.com/okian/tally/internal/adapters/repository"
	"github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/internal/domain/incentive"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/parse"
	"github.com/okian/tally/internal/domain/target"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/internal/domain/validate"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Directory is the owner directory the engine consults.
type Directory interface {
	target.Directory

	// CanSubmit reports whether actorID may submit rows owned by ownerID.
	CanSubmit(ctx context.Context, actorID, ownerID string, kind model.Kind) (bool, error)
}

// ImportRequest is one uploaded batch.
type ImportRequest struct {
	Kind       model.Kind
	UploaderID string
	// FXRate overrides the configured USD->INR rate for this batch when positive.
	FXRate  decimal.Decimal
	Records []model.RawRecord
}

// Coordinator drives one batch from raw records to a single commit.
type Coordinator struct {
	store       repository.Store
	directory   Directory
	audit       audit.Sink
	validator   *validate.Validator
	policy      func() incentive.Policy
	locks       *keyLocks
	workerCount int
	laneLimit   int
	now         func() time.Time
	newID       func() uuid.UUID
	logger      logger.Logger
}

// run is the state of one batch in flight.
type run struct {
	c       *Coordinator
	batch   model.Batch
	calc    *incentive.Calculator
	log     logger.Logger
	errs    []model.RowError
	started time.Time
}

// Process runs the batch. Row-level problems land in the summary's error
// manifest; only cancellation (ErrCancelled) and a failed commit
// (ErrPersistence) are returned as errors, and in both cases nothing is stored.
// Batches touching the same owner and year are committed one at a time.
func (c *Coordinator) Process(ctx context.Context, req ImportRequest) (types.Summary, error) { //nolint:gocritic // hugeParam: requests are values
	kind, err := model.ParseKind(string(req.Kind))
	if err != nil {
		return types.Summary{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	uploader := strings.TrimSpace(req.UploaderID)
	if uploader == "" {
		return types.Summary{}, fmt.Errorf("%w: uploader is required", ErrInvalidRequest)
	}

	// The policy is read once; later slab or rate changes apply to later batches.
	policy := c.policy()
	if req.FXRate.IsPositive() {
		policy.FXRate = req.FXRate
	}

	r := &run{
		c: c,
		batch: model.Batch{
			ID:         c.newID(),
			Kind:       kind,
			UploaderID: uploader,
			CreatedAt:  c.now().UTC(),
			FXRate:     policy.FXRate,
			Status:     model.StatusReceived,
			RowCount:   len(req.Records),
		},
		calc:    incentive.NewCalculator(policy),
		started: time.Now(),
	}
	r.log = c.logger.With(logger.String("batch_id", r.batch.ID.String()), logger.String("kind", string(kind)))
	r.batch.Status = model.StatusProcessing
	r.log.Info(ctx, "processing batch", logger.Int("rows", len(req.Records)), logger.String("uploader", uploader))

	staged := r.stage(ctx, req.Records)
	if err := ctx.Err(); err != nil {
		return r.cancel(ctx, err)
	}

	staged = r.dedupe(ctx, staged)

	staged, err = r.authorize(ctx, staged)
	if err != nil {
		return r.cancel(ctx, err)
	}

	// Held from seeding through commit so concurrent writers of the same
	// owner and year never start from the same stored totals.
	release, err := c.locks.acquire(ctx, batchKeys(staged)...)
	if err != nil {
		return r.cancel(ctx, err)
	}
	defer release()

	rows, totals, err := r.calculate(ctx, staged)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return r.cancel(ctx, ctxErr)
	}
	if err != nil {
		return r.fail(ctx, err)
	}

	for i := range rows {
		id := r.batch.ID
		rows[i].ID = c.newID()
		rows[i].BatchID = &id
	}
	model.SortRowErrors(r.errs)
	r.batch.Errors = r.errs
	r.batch.Status = r.status(len(rows))

	commitStart := time.Now()
	err = c.store.CommitBatch(ctx, r.batch, rows, totals)
	metrics.RecordCommit(time.Since(commitStart), err != nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.cancel(ctx, ctxErr)
		}
		return r.fail(ctx, err)
	}

	return r.finish(ctx, rows), nil
}

// stage parses and validates every record on the worker pool.
func (r *run) stage(ctx context.Context, records []model.RawRecord) []model.Placement {
	if len(records) == 0 {
		return nil
	}
	q := queue.NewInMemoryQueue(queue.WithCapacity(len(records)))
	col := &sliceCollector{results: make([]worker.Result, len(records))}
	proc := &rowProcessor{
		parser:    parse.New(r.batch.Kind, r.batch.UploaderID),
		validator: r.c.validator,
	}
	pool := worker.NewPool(min(r.c.workerCount, len(records)), q, proc, col, worker.WithLogger(r.c.logger))
	pool.Start(ctx)
	for i, rec := range records {
		if !q.Enqueue(ctx, queue.Job{Index: i, Record: rec}) {
			break
		}
	}
	_ = q.Close()
	pool.Wait()

	if ctx.Err() != nil {
		return nil
	}
	rows, errs := col.stagedRows()
	r.reject(ctx, errs...)
	return rows
}

func (r *run) dedupe(ctx context.Context, rows []model.Placement) []model.Placement {
	errs, rejected := dedupe.Mark(ctx, dedupe.NewInMemoryDeduper(), rows)
	r.reject(ctx, errs...)
	return without(rows, rejected)
}

// authorize drops rows the uploader may not submit. Each owner is checked once.
func (r *run) authorize(ctx context.Context, rows []model.Placement) ([]model.Placement, error) {
	denied := make(map[string]string)
	checked := make(map[string]struct{})
	rejected := make(map[int]struct{})
	for i := range rows {
		owner := rows[i].OwnerID
		if _, ok := checked[owner]; !ok {
			checked[owner] = struct{}{}
			ok, err := r.c.directory.CanSubmit(ctx, r.batch.UploaderID, owner, r.batch.Kind)
			switch {
			case err != nil && ctx.Err() != nil:
				return nil, ctx.Err()
			case err != nil:
				denied[owner] = fmt.Sprintf("capability check for owner %q failed: %v", owner, err)
			case !ok:
				denied[owner] = fmt.Sprintf("%s may not submit rows for owner %q", r.batch.UploaderID, owner)
			}
		}
		if msg, ok := denied[owner]; ok {
			r.reject(ctx, model.RowError{
				RowIndex: rows[i].SourceRow,
				Field:    parse.ColOwnerID,
				Kind:     model.ErrorOwnership,
				Message:  msg,
			})
			rejected[rows[i].SourceRow] = struct{}{}
		}
	}
	return without(rows, rejected), nil
}

// lane holds the rows of one owner. Rows are calculated in input order.
type lane struct {
	ownerID string
	rows    []model.Placement
	years   []int
	out     map[int][]model.Placement
	totals  map[int]incentive.Snapshot
	errs    []model.RowError
}

// calculate runs one lane per owner, in parallel up to the lane limit, and
// returns the calculated rows in input order with the totals of every touched
// (owner, year).
func (r *run) calculate(ctx context.Context, rows []model.Placement) ([]model.Placement, []model.OwnerTotals, error) {
	lanes := groupLanes(rows)
	resolver := target.New(r.c.directory, target.WithLogger(r.c.logger))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.c.laneLimit)
	var active atomic.Int64
	for _, l := range lanes {
		g.Go(func() error {
			metrics.UpdateLaneCount(int(active.Add(1)))
			defer func() { metrics.UpdateLaneCount(int(active.Add(-1))) }()
			return r.runLane(gctx, resolver, l)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		out    = make([]model.Placement, 0, len(rows))
		totals []model.OwnerTotals
	)
	for _, l := range lanes {
		r.reject(ctx, l.errs...)
		for _, year := range l.years {
			done := l.out[year]
			if len(done) == 0 {
				continue
			}
			snap := l.totals[year]
			incentive.Stamp(done, snap)
			totals = append(totals, snap.Totals(model.OwnerKey{Kind: r.batch.Kind, OwnerID: l.ownerID, Year: year}))
			out = append(out, done...)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SourceRow < out[j].SourceRow })
	return out, totals, nil
}

func (r *run) runLane(ctx context.Context, resolver *target.Resolver, l *lane) error {
	for i := range l.rows {
		// Cancellation is honoured between rows, never inside one.
		if err := ctx.Err(); err != nil {
			return err
		}
		row := l.rows[i]
		year := row.PlacementYear

		res, err := resolver.Resolve(ctx, row.OwnerID, year)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.errs = append(l.errs, model.RowError{RowIndex: row.SourceRow, Kind: model.ErrorTargetNotFound, Message: err.Error()})
			continue
		}

		prior, seeded := l.totals[year]
		if !seeded {
			stored, err := r.c.store.LoadPriorRows(ctx, row.Kind, row.OwnerID, year)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("load prior rows of %s/%d: %w", row.OwnerID, year, err)
			}
			prior = r.calc.Seed(stored, res.Target.Type)
			l.years = append(l.years, year)
		}

		started := time.Now()
		calculated, next, err := r.calc.Calculate(row, res.Target, prior)
		metrics.RecordCalculation(time.Since(started), err != nil)
		if err != nil {
			r.log.Error(ctx, "calculation fault",
				logger.Int("row", row.SourceRow),
				logger.String("owner_id", row.OwnerID),
				logger.Error(err),
			)
			l.errs = append(l.errs, model.RowError{RowIndex: row.SourceRow, Kind: model.ErrorCalculation, Message: err.Error()})
			l.totals[year] = prior
			continue
		}
		l.totals[year] = next
		l.out[year] = append(l.out[year], calculated)
	}
	return nil
}

func groupLanes(rows []model.Placement) []*lane {
	var lanes []*lane
	byOwner := make(map[string]*lane)
	for i := range rows {
		l, ok := byOwner[rows[i].OwnerID]
		if !ok {
			l = &lane{
				ownerID: rows[i].OwnerID,
				out:     make(map[int][]model.Placement),
				totals:  make(map[int]incentive.Snapshot),
			}
			byOwner[l.ownerID] = l
			lanes = append(lanes, l)
		}
		l.rows = append(l.rows, rows[i])
	}
	return lanes
}

func (r *run) reject(ctx context.Context, errs ...model.RowError) {
	for _, e := range errs {
		metrics.RecordRowError(string(e.Kind))
		if e.Kind != model.ErrorCalculation {
			r.log.Debug(ctx, "row rejected", logger.Int("row", e.RowIndex), logger.String("reason", e.Error()))
		}
	}
	r.errs = append(r.errs, errs...)
}

func (r *run) status(committed int) model.BatchStatus {
	switch {
	case len(r.errs) == 0:
		return model.StatusCompleted
	case committed == 0:
		return model.StatusFailed
	default:
		return model.StatusCompletedWithErrors
	}
}

func (r *run) cancel(ctx context.Context, cause error) (types.Summary, error) {
	r.batch.Status = model.StatusCancelled
	model.SortRowErrors(r.errs)
	r.batch.Errors = r.errs
	s := r.finish(ctx, nil)
	return s, fmt.Errorf("%w: batch %s: %w", model.ErrCancelled, r.batch.ID, cause)
}

func (r *run) fail(ctx context.Context, cause error) (types.Summary, error) {
	r.batch.Status = model.StatusFailed
	model.SortRowErrors(r.errs)
	r.batch.Errors = r.errs
	r.log.Error(ctx, "batch not persisted", logger.Error(cause))
	s := r.finish(ctx, nil)
	return s, fmt.Errorf("%w: batch %s: %w", model.ErrPersistence, r.batch.ID, cause)
}

// finish records the outcome, emits the audit event and builds the summary.
func (r *run) finish(ctx context.Context, rows []model.Placement) types.Summary {
	s := types.Summary{
		BatchID:   r.batch.ID,
		Kind:      r.batch.Kind,
		Status:    r.batch.Status,
		TotalRows: r.batch.RowCount,
		Succeeded: len(rows),
		Failed:    len(model.RowIndices(r.errs)),
		Errors:    r.errs,
		Rows:      rows,
	}
	if s.Errors == nil {
		s.Errors = []model.RowError{}
	}
	for i := range rows {
		if r.calc.Qualifies(rows[i].BillingStatus) {
			s.TotalRevenue = s.TotalRevenue.Add(rows[i].Revenue)
		}
		s.TotalIncentive = s.TotalIncentive.Add(rows[i].Incentive)
	}

	for range s.Succeeded {
		metrics.RecordRow("succeeded")
	}
	for range s.Failed {
		metrics.RecordRow("failed")
	}
	metrics.RecordBatch(string(s.Kind), string(s.Status), s.TotalRows, time.Since(r.started))

	ev := model.AuditEvent{
		BatchID:    r.batch.ID,
		Kind:       r.batch.Kind,
		Status:     r.batch.Status,
		RowCount:   r.batch.RowCount,
		ErrorCount: len(r.errs),
		ActorID:    r.batch.UploaderID,
		At:         r.c.now().UTC(),
	}
	// Cancelled batches are audited as well.
	if err := r.c.audit.Emit(context.WithoutCancel(ctx), ev); err != nil {
		metrics.RecordAuditFailure()
		r.log.Warn(ctx, "audit emit failed", logger.Error(err))
	}

	r.log.Info(ctx, "batch finished",
		logger.String("status", string(s.Status)),
		logger.Int("succeeded", s.Succeeded),
		logger.Int("failed", s.Failed),
		logger.Decimal("total_incentive", s.TotalIncentive),
		logger.Duration("elapsed", time.Since(r.started)),
	)
	return s
}

func without(rows []model.Placement, rejected map[int]struct{}) []model.Placement {
	if len(rejected) == 0 {
		return rows
	}
	out := make([]model.Placement, 0, len(rows)-len(rejected))
	for i := range rows {
		if _, drop := rejected[rows[i].SourceRow]; !drop {
			out = append(out, rows[i])
		}
	}
	return out
}
