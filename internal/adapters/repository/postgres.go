package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

//go:embed schema.sql
var schemaSQL string

const defaultSchema = "tally"

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens and pings a connection pool.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore is a Store backed by PostgreSQL. Every write is one transaction.
type PostgresStore struct {
	db     DB
	schema string
	now    func() time.Time
}

// NewPostgresStore creates a store over db.
func NewPostgresStore(db DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, schema: defaultSchema, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

var placementColumns = []string{ //nolint:gochecknoglobals // column order shared by insert and select
	"id", "kind", "owner_id", "batch_id", "source_row",
	"candidate_name", "placement_year", "date_of_join", "date_of_billing_qualification",
	"client", "placement_id", "placement_type", "billing_status", "collection_status",
	"billed_hours", "revenue", "incentive_base", "split_with", "fx_rate",
	"incentive", "target_type", "yearly_target", "achieved_to_date", "percent_achieved",
	"qualified_slab", "total_revenue_generated", "total_incentive", "total_incentive_paid",
	"incentive_paid", "created_at", "updated_at",
}

func (s *PostgresStore) CommitBatch(ctx context.Context, batch model.Batch, rows []model.Placement, totals []model.OwnerTotals) error {
	manifest, err := json.Marshal(nonNilErrors(batch.Errors))
	if err != nil {
		return fmt.Errorf("encode error manifest: %w", err)
	}
	now := s.now().UTC()

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO `+s.table("import_batches")+`
			(id, kind, uploader_id, created_at, fx_rate, status, row_count, errors)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,
			pgUUID(batch.ID), string(batch.Kind), batch.UploaderID, batch.CreatedAt.UTC(),
			numeric(batch.FXRate), string(batch.Status), batch.RowCount, manifest)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateBatch, batch.ID)
		}
		if err := s.checkPrior(ctx, tx, rows, totals); err != nil {
			return err
		}

		if len(rows) > 0 {
			n, err := tx.CopyFrom(ctx, pgx.Identifier{s.schema, "placements"}, placementColumns,
				pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
					return placementValues(&rows[i], now), nil
				}))
			if err != nil {
				return fmt.Errorf("copy placements: %w", err)
			}
			if n != int64(len(rows)) {
				return fmt.Errorf("copy placements: wrote %d of %d rows", n, len(rows))
			}
		}

		b := &pgx.Batch{}
		for _, t := range totals {
			s.queueTotals(b, t, now)
		}
		_, err = sendBatch(ctx, tx, b)
		return err
	})
}

// checkPrior locks every totals key for the rest of tx and rejects totals that
// were not built on the rows stored now.
func (s *PostgresStore) checkPrior(ctx context.Context, tx pgx.Tx, rows []model.Placement, totals []model.OwnerTotals) error {
	adding := make(map[model.OwnerKey]int, len(totals))
	for i := range rows {
		adding[rows[i].Key()]++
	}
	keys := make([]model.OwnerKey, 0, len(totals))
	want := make(map[model.OwnerKey]int, len(totals))
	for _, t := range totals {
		keys = append(keys, t.OwnerKey)
		want[t.OwnerKey] = t.Rows - adding[t.OwnerKey]
	}
	slices.SortFunc(keys, model.OwnerKey.Compare)

	for _, k := range keys {
		stored, err := s.lockKey(ctx, tx, k)
		if err != nil {
			return err
		}
		if stored != want[k] {
			return fmt.Errorf("%w: %s has %d stored rows, totals expect %d", ErrConflict, k, stored, want[k])
		}
	}
	return nil
}

// lockKey takes the transaction-scoped advisory lock of k and returns how many
// rows are stored under it.
func (s *PostgresStore) lockKey(ctx context.Context, tx pgx.Tx, k model.OwnerKey) (int, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, s.schema+"/"+k.String()); err != nil {
		return 0, fmt.Errorf("lock %s: %w", k, err)
	}
	var n int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM `+s.table("placements")+`
		WHERE kind = $1 AND owner_id = $2 AND placement_year = $3`,
		string(k.Kind), k.OwnerID, k.Year).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows of %s: %w", k, err)
	}
	return int(n), nil
}

// queueTotals upserts t and stamps it onto every stored row of its key. The
// paid total is summed from the stored rows rather than taken from t.
func (s *PostgresStore) queueTotals(b *pgx.Batch, t model.OwnerTotals, now time.Time) { //nolint:gocritic // hugeParam: totals are values
	paid := `(SELECT COALESCE(SUM(incentive_paid), 0) FROM ` + s.table("placements") + `
			WHERE kind = $1 AND owner_id = $2 AND placement_year = $3)`
	b.Queue(`INSERT INTO `+s.table("owner_totals")+`
		(kind, owner_id, placement_year, achieved, revenue, incentive, incentive_paid, row_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, `+paid+`, $7, $8)
		ON CONFLICT (kind, owner_id, placement_year) DO UPDATE SET
			achieved = EXCLUDED.achieved,
			revenue = EXCLUDED.revenue,
			incentive = EXCLUDED.incentive,
			incentive_paid = EXCLUDED.incentive_paid,
			row_count = EXCLUDED.row_count,
			updated_at = EXCLUDED.updated_at`,
		string(t.Kind), t.OwnerID, t.Year, numeric(t.Achieved), numeric(t.Revenue),
		numeric(t.Incentive), t.Rows, now)
	b.Queue(`UPDATE `+s.table("placements")+` SET
			total_revenue_generated = $4,
			total_incentive = $5,
			total_incentive_paid = `+paid+`,
			updated_at = $6
		WHERE kind = $1 AND owner_id = $2 AND placement_year = $3`,
		string(t.Kind), t.OwnerID, t.Year, numeric(t.Revenue), numeric(t.Incentive), now)
}

func (s *PostgresStore) LoadPriorRows(ctx context.Context, kind model.Kind, ownerID string, year int) ([]model.Placement, error) {
	rows, err := s.db.Query(ctx, `SELECT `+strings.Join(placementColumns, ", ")+`, seq
		FROM `+s.table("placements")+`
		WHERE kind = $1 AND owner_id = $2 AND placement_year = $3
		ORDER BY seq`,
		string(kind), ownerID, year)
	if err != nil {
		return nil, fmt.Errorf("load prior rows: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Placement, error) {
		return scanPlacement(r)
	})
	if err != nil {
		return nil, fmt.Errorf("load prior rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ReplaceComputed(ctx context.Context, rows []model.Placement, totals model.OwnerTotals) error {
	now := s.now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		stored, err := s.lockKey(ctx, tx, totals.OwnerKey)
		if err != nil {
			return err
		}
		if stored != totals.Rows {
			return fmt.Errorf("%w: %s has %d stored rows, totals cover %d", ErrConflict, totals.OwnerKey, stored, totals.Rows)
		}

		b := &pgx.Batch{}
		for i := range rows {
			r := &rows[i]
			b.Queue(`UPDATE `+s.table("placements")+` SET
					fx_rate = $2, incentive = $3, target_type = $4, yearly_target = $5,
					achieved_to_date = $6, percent_achieved = $7, qualified_slab = $8, updated_at = $9
				WHERE id = $1`,
				pgUUID(r.ID), numeric(r.FXRate), numeric(r.Incentive), string(r.TargetType),
				numeric(r.YearlyTarget), numeric(r.AchievedToDate), numeric(r.PercentAchieved),
				r.QualifiedSlab, now)
		}
		s.queueTotals(b, totals, now)
		tags, err := sendBatch(ctx, tx, b)
		if err != nil {
			return err
		}
		for i := range rows {
			if tags[i].RowsAffected() == 0 {
				return fmt.Errorf("%w: row %s", ErrNotFound, rows[i].ID)
			}
		}
		return nil
	})
}

func (s *PostgresStore) SetIncentivePaid(ctx context.Context, rowID uuid.UUID, amount decimal.Decimal) (model.Placement, error) {
	now := s.now().UTC()
	var out model.Placement
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			kind    string
			ownerID string
			year    int
		)
		err := tx.QueryRow(ctx, `SELECT kind, owner_id, placement_year
			FROM `+s.table("placements")+` WHERE id = $1`,
			pgUUID(rowID)).Scan(&kind, &ownerID, &year)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: row %s", ErrNotFound, rowID)
		}
		if err != nil {
			return fmt.Errorf("set incentive paid: %w", err)
		}
		// The key lock comes before any row lock, the same order CommitBatch takes them.
		if _, err := s.lockKey(ctx, tx, model.OwnerKey{Kind: model.Kind(kind), OwnerID: ownerID, Year: year}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE `+s.table("placements")+`
			SET incentive_paid = $2, updated_at = $3
			WHERE id = $1`,
			pgUUID(rowID), numeric(amount), now); err != nil {
			return fmt.Errorf("set incentive paid: %w", err)
		}

		var sum pgtype.Numeric
		if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(incentive_paid), 0)
			FROM `+s.table("placements")+`
			WHERE kind = $1 AND owner_id = $2 AND placement_year = $3`,
			kind, ownerID, year).Scan(&sum); err != nil {
			return fmt.Errorf("sum incentive paid: %w", err)
		}

		b := &pgx.Batch{}
		b.Queue(`UPDATE `+s.table("placements")+` SET total_incentive_paid = $4
			WHERE kind = $1 AND owner_id = $2 AND placement_year = $3`,
			kind, ownerID, year, sum)
		b.Queue(`UPDATE `+s.table("owner_totals")+` SET incentive_paid = $4, updated_at = $5
			WHERE kind = $1 AND owner_id = $2 AND placement_year = $3`,
			kind, ownerID, year, sum, now)
		if _, err := sendBatch(ctx, tx, b); err != nil {
			return err
		}

		out, err = scanPlacement(tx.QueryRow(ctx, `SELECT `+strings.Join(placementColumns, ", ")+`, seq
			FROM `+s.table("placements")+` WHERE id = $1`, pgUUID(rowID)))
		return err
	})
	if err != nil {
		return model.Placement{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (model.Batch, error) {
	var (
		b        model.Batch
		bid      pgtype.UUID
		kind     string
		status   string
		fx       pgtype.Numeric
		manifest []byte
	)
	err := s.db.QueryRow(ctx, `SELECT id, kind, uploader_id, created_at, fx_rate, status, row_count, errors
		FROM `+s.table("import_batches")+` WHERE id = $1`, pgUUID(id)).
		Scan(&bid, &kind, &b.UploaderID, &b.CreatedAt, &fx, &status, &b.RowCount, &manifest)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	b.ID = uuid.UUID(bid.Bytes)
	b.Kind = model.Kind(kind)
	b.Status = model.BatchStatus(status)
	b.FXRate = fromNumeric(fx)
	if err := json.Unmarshal(manifest, &b.Errors); err != nil {
		return model.Batch{}, fmt.Errorf("decode error manifest: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetPlacement(ctx context.Context, id uuid.UUID) (model.Placement, error) {
	p, err := scanPlacement(s.db.QueryRow(ctx, `SELECT `+strings.Join(placementColumns, ", ")+`, seq
		FROM `+s.table("placements")+` WHERE id = $1`, pgUUID(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Placement{}, fmt.Errorf("%w: row %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Placement{}, fmt.Errorf("get placement: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Totals(ctx context.Context, key model.OwnerKey) (model.OwnerTotals, error) {
	var achieved, revenue, incentive, paid pgtype.Numeric
	t := model.OwnerTotals{OwnerKey: key}
	err := s.db.QueryRow(ctx, `SELECT achieved, revenue, incentive, incentive_paid, row_count
		FROM `+s.table("owner_totals")+`
		WHERE kind = $1 AND owner_id = $2 AND placement_year = $3`,
		string(key.Kind), key.OwnerID, key.Year).Scan(&achieved, &revenue, &incentive, &paid, &t.Rows)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OwnerTotals{}, fmt.Errorf("%w: totals %s", ErrNotFound, key)
	}
	if err != nil {
		return model.OwnerTotals{}, fmt.Errorf("get totals: %w", err)
	}
	t.Achieved = fromNumeric(achieved)
	t.Revenue = fromNumeric(revenue)
	t.Incentive = fromNumeric(incentive)
	t.IncentivePaid = fromNumeric(paid)
	return t, nil
}

// inTx runs fn in a transaction, rolling back unless fn and the commit succeed.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// sendBatch runs every queued statement and returns their command tags in order.
func sendBatch(ctx context.Context, tx pgx.Tx, b *pgx.Batch) ([]pgconn.CommandTag, error) {
	if b.Len() == 0 {
		return nil, nil
	}
	br := tx.SendBatch(ctx, b)
	tags := make([]pgconn.CommandTag, 0, b.Len())
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return nil, fmt.Errorf("batch statement %d: %w", i, err)
		}
		tags = append(tags, tag)
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	return tags, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlacement(sc scanner) (model.Placement, error) {
	var (
		p                                       model.Placement
		id, batchID                             pgtype.UUID
		kind, targetType                        string
		doq                                     pgtype.Date
		billedHours, revenue, base, fx          pgtype.Numeric
		incentive, yearly, achieved, percent    pgtype.Numeric
		totalRevenue, totalIncentive, totalPaid pgtype.Numeric
		paid                                    pgtype.Numeric
	)
	err := sc.Scan(
		&id, &kind, &p.OwnerID, &batchID, &p.SourceRow,
		&p.CandidateName, &p.PlacementYear, &p.DateOfJoin, &doq,
		&p.Client, &p.PlacementID, &p.PlacementType, &p.BillingStatus, &p.CollectionStatus,
		&billedHours, &revenue, &base, &p.SplitWith, &fx,
		&incentive, &targetType, &yearly, &achieved, &percent,
		&p.QualifiedSlab, &totalRevenue, &totalIncentive, &totalPaid,
		&paid, &p.CreatedAt, &p.UpdatedAt, &p.Seq,
	)
	if err != nil {
		return model.Placement{}, err
	}
	p.ID = uuid.UUID(id.Bytes)
	if batchID.Valid {
		b := uuid.UUID(batchID.Bytes)
		p.BatchID = &b
	}
	p.Kind = model.Kind(kind)
	p.TargetType = model.TargetType(targetType)
	if doq.Valid {
		t := doq.Time
		p.DateOfBillingQualification = &t
	}
	p.BilledHours = fromNullNumeric(billedHours)
	p.Revenue = fromNumeric(revenue)
	p.IncentiveBase = fromNumeric(base)
	p.FXRate = fromNumeric(fx)
	p.Incentive = fromNumeric(incentive)
	p.YearlyTarget = fromNumeric(yearly)
	p.AchievedToDate = fromNumeric(achieved)
	p.PercentAchieved = fromNumeric(percent)
	p.TotalRevenueGenerated = fromNumeric(totalRevenue)
	p.TotalIncentive = fromNumeric(totalIncentive)
	p.TotalIncentivePaid = fromNumeric(totalPaid)
	p.IncentivePaid = fromNullNumeric(paid)
	return p, nil
}

func placementValues(p *model.Placement, now time.Time) []any {
	batchID := pgtype.UUID{}
	if p.BatchID != nil {
		batchID = pgUUID(*p.BatchID)
	}
	doq := pgtype.Date{}
	if p.DateOfBillingQualification != nil {
		doq = pgtype.Date{Time: *p.DateOfBillingQualification, Valid: true}
	}
	split := p.SplitWith
	if split == nil {
		split = []string{}
	}
	return []any{
		pgUUID(p.ID), string(p.Kind), p.OwnerID, batchID, p.SourceRow,
		p.CandidateName, p.PlacementYear, pgtype.Date{Time: p.DateOfJoin, Valid: true}, doq,
		p.Client, p.PlacementID, p.PlacementType, p.BillingStatus, p.CollectionStatus,
		nullNumeric(p.BilledHours), numeric(p.Revenue), numeric(p.IncentiveBase), split, numeric(p.FXRate),
		numeric(p.Incentive), string(p.TargetType), numeric(p.YearlyTarget), numeric(p.AchievedToDate), numeric(p.PercentAchieved),
		p.QualifiedSlab, numeric(p.TotalRevenueGenerated), numeric(p.TotalIncentive), numeric(p.TotalIncentivePaid),
		nullNumeric(p.IncentivePaid), now, now,
	}
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func nullNumeric(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return numeric(*d)
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func fromNullNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := fromNumeric(n)
	return &d
}

func nonNilErrors(errs []model.RowError) []model.RowError {
	if errs == nil {
		return []model.RowError{}
	}
	return errs
}
