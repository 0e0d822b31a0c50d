// Package incentive computes target achievement, slab qualification and
// incentive amounts for placement rows.
//
// All arithmetic is fixed-point. A Calculator is a per-batch snapshot and is
// safe for concurrent use; it holds no mutable state.
package incentive

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/domain/model"
)

// Split policies for TEAM rows with co-recipients.
const (
	SplitPreDivided = "pre_divided"
	SplitDivide     = "divide"
)

const places = 2

var hundred = decimal.NewFromInt(100) //nolint:gochecknoglobals // constant

// Policy is the per-batch snapshot every row of the batch is calculated with.
type Policy struct {
	Slabs *SlabTable
	// FXRate converts USD amounts to INR for rows that carry no rate of their own.
	FXRate decimal.Decimal
	// Qualifying maps billing status to whether the row counts toward the target.
	Qualifying  map[string]bool
	SplitPolicy string
}

// Snapshot is an owner's running totals for one year.
type Snapshot struct {
	Achieved      decimal.Decimal
	Revenue       decimal.Decimal
	Incentive     decimal.Decimal
	IncentivePaid decimal.Decimal
	Rows          int
}

// Totals turns the snapshot into the persisted rollup for key.
func (s Snapshot) Totals(key model.OwnerKey) model.OwnerTotals {
	return model.OwnerTotals{
		OwnerKey:      key,
		Achieved:      s.Achieved,
		Revenue:       s.Revenue,
		Incentive:     s.Incentive,
		IncentivePaid: s.IncentivePaid,
		Rows:          s.Rows,
	}
}

// Calculator applies a Policy to rows.
type Calculator struct {
	policy Policy
}

// NewCalculator snapshots p. The qualifying map is copied.
func NewCalculator(p Policy) *Calculator {
	q := make(map[string]bool, len(p.Qualifying))
	for k, v := range p.Qualifying {
		q[model.NormalizeCode(k)] = v
	}
	p.Qualifying = q
	if p.SplitPolicy == "" {
		p.SplitPolicy = SplitPreDivided
	}
	return &Calculator{policy: p}
}

// Qualifies reports whether a billing status counts toward targets.
func (c *Calculator) Qualifies(billingStatus string) bool {
	return c.policy.Qualifying[model.NormalizeCode(billingStatus)]
}

// Contribution is what row adds to achievement for a target of type tt.
func (c *Calculator) Contribution(row *model.Placement, tt model.TargetType) decimal.Decimal {
	if !c.Qualifies(row.BillingStatus) {
		return decimal.Zero
	}
	if tt == model.TargetRevenue {
		return row.Revenue
	}
	return decimal.NewFromInt(1)
}

// Calculate derives row's financial fields against tgt given the owner's prior
// totals, and returns the updated row and totals. Inputs are not modified.
func (c *Calculator) Calculate(row model.Placement, tgt model.Target, prior Snapshot) (model.Placement, Snapshot, error) { //nolint:gocritic // hugeParam: rows are values
	if c.policy.Slabs.Len() == 0 {
		return row, prior, fmt.Errorf("%w: slab table is empty", model.ErrCalculation)
	}
	fx := row.FXRate
	if !fx.IsPositive() {
		fx = c.policy.FXRate
	}
	if !fx.IsPositive() {
		return row, prior, fmt.Errorf("%w: fx rate must be positive, got %s", model.ErrCalculation, fx)
	}
	if !tgt.Amount.IsPositive() {
		return row, prior, fmt.Errorf("%w: yearly target must be positive, got %s", model.ErrCalculation, tgt.Amount)
	}

	qualifies := c.Qualifies(row.BillingStatus)
	achieved := prior.Achieved.Add(c.Contribution(&row, tgt.Type))
	percent := c.policy.Slabs.Clamp(achieved.Div(tgt.Amount).Mul(hundred).Round(places))
	tier, ok := c.policy.Slabs.Lookup(percent)

	out := row
	out.FXRate = fx
	out.TargetType = tgt.Type
	out.YearlyTarget = tgt.Amount
	out.AchievedToDate = achieved
	out.PercentAchieved = percent
	out.QualifiedSlab = ""
	out.Incentive = decimal.Zero
	if ok {
		out.QualifiedSlab = tier.Name
		if qualifies {
			out.Incentive = c.amount(&row, tier, fx)
		}
	}

	next := Snapshot{
		Achieved:      achieved,
		Revenue:       prior.Revenue,
		Incentive:     prior.Incentive.Add(out.Incentive),
		IncentivePaid: prior.IncentivePaid,
		Rows:          prior.Rows + 1,
	}
	if qualifies {
		next.Revenue = next.Revenue.Add(row.Revenue)
	}
	if row.IncentivePaid != nil {
		next.IncentivePaid = next.IncentivePaid.Add(*row.IncentivePaid)
	}

	out.TotalRevenueGenerated = next.Revenue
	out.TotalIncentive = next.Incentive
	out.TotalIncentivePaid = next.IncentivePaid
	return out, next, nil
}

// amount is base / divisor * multiplier * fx, dividing last.
func (c *Calculator) amount(row *model.Placement, tier Tier, fx decimal.Decimal) decimal.Decimal {
	multiplier := decimal.NewFromInt(1)
	if c.policy.Slabs.Mode() == ModeRate {
		multiplier = tier.Rate
	}
	divisor := decimal.NewFromInt(1)
	if c.policy.SplitPolicy == SplitDivide && row.Kind == model.KindTeam {
		divisor = decimal.NewFromInt(int64(1 + len(row.SplitWith)))
	}
	return row.IncentiveBase.Mul(multiplier).Mul(fx).Div(divisor).Round(places)
}

// Seed builds the prior snapshot from already persisted rows of one owner and year.
func (c *Calculator) Seed(rows []model.Placement, tt model.TargetType) Snapshot {
	var s Snapshot
	for i := range rows {
		r := &rows[i]
		s.Achieved = s.Achieved.Add(c.Contribution(r, tt))
		if c.Qualifies(r.BillingStatus) {
			s.Revenue = s.Revenue.Add(r.Revenue)
		}
		s.Incentive = s.Incentive.Add(r.Incentive)
		if r.IncentivePaid != nil {
			s.IncentivePaid = s.IncentivePaid.Add(*r.IncentivePaid)
		}
		s.Rows++
	}
	return s
}

// Stamp writes the final totals of s onto every row.
func Stamp(rows []model.Placement, s Snapshot) {
	for i := range rows {
		rows[i].TotalRevenueGenerated = s.Revenue
		rows[i].TotalIncentive = s.Incentive
		rows[i].TotalIncentivePaid = s.IncentivePaid
	}
}
