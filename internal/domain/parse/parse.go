// Package parse turns raw sheet records into typed placement candidates.
//
// Parsing is pure: a malformed cell becomes a parse RowError on the
// candidate's row and parsing of the remaining cells continues.
package parse

import (
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// Column names after normalisation.
const (
	ColOwnerID                    = "owner_id"
	ColCandidateName              = "candidate_name"
	ColPlacementYear              = "placement_year"
	ColDateOfJoin                 = "date_of_join"
	ColDateOfBillingQualification = "date_of_billing_qualification"
	ColClient                     = "client"
	ColPlacementID                = "placement_id"
	ColPlacementType              = "placement_type"
	ColBillingStatus              = "billing_status"
	ColCollectionStatus           = "collection_status"
	ColBilledHours                = "billed_hours"
	ColRevenue                    = "revenue"
	ColIncentive                  = "incentive"
	ColIncentivePaid              = "incentive_paid"
	ColSplitWith                  = "split_with"
)

var aliases = map[string]string{ //nolint:gochecknoglobals // read-only header alias table
	"owner":                 ColOwnerID,
	"recruiter_id":          ColOwnerID,
	"lead_id":               ColOwnerID,
	"candidate":             ColCandidateName,
	"year":                  ColPlacementYear,
	"doj":                   ColDateOfJoin,
	"joining_date":          ColDateOfJoin,
	"doq":                   ColDateOfBillingQualification,
	"billing_qualification": ColDateOfBillingQualification,
	"external_id":           ColPlacementID,
	"external_placement_id": ColPlacementID,
	"client_name":           ColClient,
	"type":                  ColPlacementType,
	"hours":                 ColBilledHours,
	"revenue_usd":           ColRevenue,
	"incentive_base":        ColIncentive,
	"base_incentive":        ColIncentive,
	"incentive_usd":         ColIncentive,
	"incentive_paid_inr":    ColIncentivePaid,
	"split":                 ColSplitWith,
	"split_with_ids":        ColSplitWith,
	"yearly_target_value":   "yearly_target",
	"total_revenue":         "total_revenue_generated",
	"slab_qualified":        "qualified_slab",
}

// DerivedColumns are engine-computed and must never arrive in an upload.
var DerivedColumns = []string{ //nolint:gochecknoglobals // read-only column list
	"incentive_inr",
	"yearly_target",
	"achieved_to_date",
	"percent_achieved",
	"qualified_slab",
	"total_revenue_generated",
	"total_incentive",
	"total_incentive_inr",
	"total_incentive_paid",
	"total_incentive_paid_inr",
}

// Candidate is a typed, not yet validated placement row.
// Pointer fields are nil when the cell was blank.
type Candidate struct {
	Index   int
	Kind    model.Kind
	OwnerID string

	CandidateName              string
	PlacementYear              int
	DateOfJoin                 *time.Time
	DateOfBillingQualification *time.Time
	Client                     string
	PlacementID                string
	PlacementType              string
	BillingStatus              string
	CollectionStatus           string
	BilledHours                *decimal.Decimal
	Revenue                    *decimal.Decimal
	IncentiveBase              *decimal.Decimal
	IncentivePaid              *decimal.Decimal
	SplitWith                  []string

	// DerivedSupplied lists derived columns the upload carried a value for.
	DerivedSupplied []string
}

// Parser parses the records of one batch.
type Parser struct {
	kind     model.Kind
	uploader string
}

// New creates a parser for a batch of the given kind; blank owners default to uploader.
func New(kind model.Kind, uploader string) *Parser {
	return &Parser{kind: kind, uploader: strings.TrimSpace(uploader)}
}

// NormalizeHeader maps a sheet header to its canonical column name. Spaced,
// dashed, snake and camel case spellings of a column all map to one name.
func NormalizeHeader(h string) string {
	h = strings.ToLower(splitCamel(strings.TrimSpace(h)))
	h = strings.NewReplacer(" ", "_", "-", "_", ".", "").Replace(h)
	for strings.Contains(h, "__") {
		h = strings.ReplaceAll(h, "__", "_")
	}
	if canonical, ok := aliases[h]; ok {
		return canonical
	}
	return h
}

// splitCamel puts an underscore at every lower-to-upper boundary and before
// the last capital of an acronym that starts a word, so "totalIncentiveINR"
// and "placementIDValue" split where a reader would split them.
func splitCamel(h string) string {
	runes := []rune(h)
	var b strings.Builder
	b.Grow(len(h) + 4)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Parse coerces one raw record. All malformed cells are reported.
func (p *Parser) Parse(index int, rec model.RawRecord) (Candidate, []model.RowError) {
	cells := make(map[string]any, len(rec))
	for k, v := range rec {
		cells[NormalizeHeader(k)] = v
	}

	c := Candidate{Index: index, Kind: p.kind}
	var errs []model.RowError
	fail := func(field string, err error) {
		errs = append(errs, model.RowError{RowIndex: index, Field: field, Kind: model.ErrorParse, Message: err.Error()})
	}

	c.OwnerID = text(cells[ColOwnerID])
	if c.OwnerID == "" {
		c.OwnerID = p.uploader
	}
	c.CandidateName = text(cells[ColCandidateName])
	c.Client = text(cells[ColClient])
	c.PlacementID = text(cells[ColPlacementID])
	c.PlacementType = enum(cells[ColPlacementType])
	c.BillingStatus = enum(cells[ColBillingStatus])
	c.CollectionStatus = enum(cells[ColCollectionStatus])
	c.SplitWith = list(cells[ColSplitWith])

	c.DateOfJoin = p.date(cells, ColDateOfJoin, fail)
	c.DateOfBillingQualification = p.date(cells, ColDateOfBillingQualification, fail)

	c.BilledHours = p.amount(cells, ColBilledHours, fail)
	c.Revenue = p.amount(cells, ColRevenue, fail)
	c.IncentiveBase = p.amount(cells, ColIncentive, fail)
	c.IncentivePaid = p.amount(cells, ColIncentivePaid, fail)

	if y, err := toYear(cells[ColPlacementYear]); err == nil {
		c.PlacementYear = y
	} else if !errors.Is(err, errEmpty) {
		fail(ColPlacementYear, err)
	} else if c.DateOfJoin != nil {
		c.PlacementYear = c.DateOfJoin.Year()
	}

	for _, col := range DerivedColumns {
		if text(cells[col]) != "" {
			c.DerivedSupplied = append(c.DerivedSupplied, col)
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return c, errs
}

func (p *Parser) date(cells map[string]any, col string, fail func(string, error)) *time.Time {
	d, err := toDate(cells[col])
	if err != nil {
		if !errors.Is(err, errEmpty) {
			fail(col, err)
		}
		return nil
	}
	return &d
}

func (p *Parser) amount(cells map[string]any, col string, fail func(string, error)) *decimal.Decimal {
	d, err := toDecimal(cells[col])
	if err != nil {
		if !errors.Is(err, errEmpty) {
			fail(col, err)
		}
		return nil
	}
	return &d
}
