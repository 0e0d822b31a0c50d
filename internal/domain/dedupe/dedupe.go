// Package dedupe detects repeated placements within one batch.
package dedupe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/parse"
)

// Deduper records seen placement keys.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, key string) bool

	Size() int64
}

// Key identifies a placement across a batch: kind plus external placement id.
func Key(kind model.Kind, placementID string) string {
	return string(kind) + "|" + strings.ToUpper(strings.TrimSpace(placementID))
}

type inMemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
	size atomic.Int64
}

// NewInMemoryDeduper creates an unbounded deduper scoped to one batch.
func NewInMemoryDeduper() Deduper {
	return &inMemoryDeduper{seen: make(map[string]struct{})}
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.seen[key]; exists {
		return true
	}
	d.seen[key] = struct{}{}
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}

// Mark walks placements in input order and reports every repeat after the first.
// The returned set holds the source rows that were rejected.
func Mark(ctx context.Context, d Deduper, rows []model.Placement) ([]model.RowError, map[int]struct{}) {
	var errs []model.RowError
	rejected := make(map[int]struct{})
	first := make(map[string]int, len(rows))
	for i := range rows {
		key := Key(rows[i].Kind, rows[i].PlacementID)
		if d.SeenAndRecord(ctx, key) {
			errs = append(errs, model.RowError{
				RowIndex: rows[i].SourceRow,
				Field:    parse.ColPlacementID,
				Kind:     model.ErrorDuplicate,
				Message:  fmt.Sprintf("placement id %q already appears at row %d", rows[i].PlacementID, first[key]),
			})
			rejected[rows[i].SourceRow] = struct{}{}
			continue
		}
		first[key] = rows[i].SourceRow
	}
	return errs, rejected
}
