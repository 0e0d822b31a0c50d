package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// fakeTx records what a transaction was asked to do. Unimplemented methods
// panic through the nil embedded interface.
type fakeTx struct {
	pgx.Tx

	execTag    string
	stored     int64
	copyErr    error
	batchTags  []string
	execSQL    []string
	copyTable  pgx.Identifier
	copyCols   []string
	copied     [][]any
	batched    int
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag(f.execTag), nil
}

// QueryRow answers the stored-row count of a key.
func (f *fakeTx) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	f.execSQL = append(f.execSQL, sql)
	return fakeRow{n: f.stored}
}

type fakeRow struct{ n int64 }

func (r fakeRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.n
	return nil
}

func (f *fakeTx) CopyFrom(_ context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.copyTable, f.copyCols = table, cols
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return 0, err
		}
		f.copied = append(f.copied, vals)
	}
	return int64(len(f.copied)), src.Err()
}

func (f *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batched += b.Len()
	return &fakeBatchResults{tags: f.batchTags}
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBatchResults struct {
	pgx.BatchResults

	tags []string
	n    int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	tag := "UPDATE 1"
	if f.n < len(f.tags) {
		tag = f.tags[f.n]
	}
	f.n++
	return pgconn.NewCommandTag(tag), nil
}

func (f *fakeBatchResults) Close() error { return nil }

type fakeDB struct {
	DB

	tx      *fakeTx
	execSQL []string
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) { return f.tx, nil }

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.NewCommandTag(""), nil
}

func TestPostgresStore_CommitBatch(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTx{execTag: "INSERT 0 1"}
	store := NewPostgresStore(&fakeDB{tx: tx}, WithSchema("hr"))

	rows := []model.Placement{testRow("e1", 100), testRow("e1", 200)}
	err := store.CommitBatch(ctx, testBatch(2), rows, []model.OwnerTotals{totalsFor("e1", 300, 2)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.committed {
		t.Error("expected commit")
	}
	if tx.rolledBack {
		t.Error("expected no rollback after commit")
	}
	if len(tx.execSQL) != 3 || !strings.Contains(tx.execSQL[0], `"hr"."import_batches"`) {
		t.Fatalf("expected batch insert, key lock and row count, got %v", tx.execSQL)
	}
	if !strings.Contains(tx.execSQL[1], "pg_advisory_xact_lock") || !strings.Contains(tx.execSQL[2], `"hr"."placements"`) {
		t.Errorf("expected the key locked and counted before the copy, got %v", tx.execSQL[1:])
	}
	if strings.Join(tx.copyTable, ".") != "hr.placements" {
		t.Errorf("expected copy into hr.placements, got %v", tx.copyTable)
	}
	if len(tx.copied) != 2 {
		t.Fatalf("expected 2 copied rows, got %d", len(tx.copied))
	}
	for _, vals := range tx.copied {
		if len(vals) != len(tx.copyCols) {
			t.Errorf("expected %d values per row, got %d", len(tx.copyCols), len(vals))
		}
	}
	if tx.batched != 2 {
		t.Errorf("expected totals upsert and stamp, got %d statements", tx.batched)
	}
}

func TestPostgresStore_CommitBatchRollsBack(t *testing.T) {
	ctx := context.Background()

	t.Run("copy failure", func(t *testing.T) {
		tx := &fakeTx{execTag: "INSERT 0 1", copyErr: errors.New("disk full")}
		store := NewPostgresStore(&fakeDB{tx: tx})

		err := store.CommitBatch(ctx, testBatch(1), []model.Placement{testRow("e1", 1)}, nil)
		if err == nil || !strings.Contains(err.Error(), "disk full") {
			t.Fatalf("expected copy error, got %v", err)
		}
		if tx.committed {
			t.Error("expected no commit")
		}
		if !tx.rolledBack {
			t.Error("expected rollback")
		}
	})

	t.Run("duplicate batch", func(t *testing.T) {
		tx := &fakeTx{execTag: "INSERT 0 0"}
		store := NewPostgresStore(&fakeDB{tx: tx})

		err := store.CommitBatch(ctx, testBatch(1), []model.Placement{testRow("e1", 1)}, nil)
		if !errors.Is(err, ErrDuplicateBatch) {
			t.Fatalf("expected ErrDuplicateBatch, got %v", err)
		}
		if len(tx.copied) != 0 {
			t.Errorf("expected no rows copied, got %d", len(tx.copied))
		}
		if !tx.rolledBack || tx.committed {
			t.Error("expected rollback without commit")
		}
	})
}

func TestPostgresStore_CommitBatchStaleTotals(t *testing.T) {
	// Another writer stored a row after these totals were calculated.
	tx := &fakeTx{execTag: "INSERT 0 1", stored: 1}
	store := NewPostgresStore(&fakeDB{tx: tx})

	err := store.CommitBatch(context.Background(), testBatch(1), []model.Placement{testRow("e1", 1)}, []model.OwnerTotals{totalsFor("e1", 1, 1)})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if len(tx.copied) != 0 || tx.batched != 0 {
		t.Errorf("expected nothing written, got %d rows and %d statements", len(tx.copied), tx.batched)
	}
	if tx.committed || !tx.rolledBack {
		t.Error("expected rollback without commit")
	}
}

func TestPostgresStore_ReplaceComputedStaleTotals(t *testing.T) {
	tx := &fakeTx{stored: 3}
	store := NewPostgresStore(&fakeDB{tx: tx})

	err := store.ReplaceComputed(context.Background(), []model.Placement{testRow("e1", 1), testRow("e1", 2)}, totalsFor("e1", 3, 2))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if tx.batched != 0 || tx.committed {
		t.Error("expected no statements sent and no commit")
	}
}

func TestPostgresStore_ReplaceComputedUnknownRow(t *testing.T) {
	tx := &fakeTx{batchTags: []string{"UPDATE 1", "UPDATE 0"}, stored: 2}
	store := NewPostgresStore(&fakeDB{tx: tx})

	rows := []model.Placement{testRow("e1", 1), testRow("e1", 2)}
	err := store.ReplaceComputed(context.Background(), rows, totalsFor("e1", 3, 2))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), rows[1].ID.String()) {
		t.Errorf("expected error to name the missing row, got %v", err)
	}
	if tx.committed || !tx.rolledBack {
		t.Error("expected rollback without commit")
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	db := &fakeDB{}
	store := NewPostgresStore(db, WithSchema("payroll"))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(db.execSQL) != 1 {
		t.Fatalf("expected one DDL exec, got %d", len(db.execSQL))
	}
	ddl := db.execSQL[0]
	if strings.Contains(ddl, "{{schema}}") {
		t.Error("expected schema placeholder to be replaced")
	}
	if !strings.Contains(ddl, `"payroll".placements`) && !strings.Contains(ddl, `"payroll"."placements"`) {
		t.Errorf("expected placements table in payroll schema:\n%s", ddl)
	}
	// With no slab ceiling a tiny target yields a percent far past any fixed precision.
	if !regexp.MustCompile(`percent_achieved\s+numeric\s+NOT NULL`).MatchString(ddl) {
		t.Errorf("expected an unbounded percent_achieved column:\n%s", ddl)
	}
	if !strings.Contains(ddl, "ALTER COLUMN percent_achieved TYPE numeric;") {
		t.Error("expected existing tables to be widened")
	}
}

func TestNumericRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1200.50", "-3.125", "83.1234"} {
		d := decimal.RequireFromString(s)
		if got := fromNumeric(numeric(d)); !got.Equal(d) {
			t.Errorf("expected %s, got %s", d, got)
		}
	}
	if fromNullNumeric(nullNumeric(nil)) != nil {
		t.Error("expected nil to stay nil")
	}
	if got := pgUUID(uuid.Nil); !got.Valid {
		t.Error("expected valid uuid")
	}
}
