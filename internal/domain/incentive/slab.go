package incentive

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidSlabs reports a slab table that breaks ordering rules.
var ErrInvalidSlabs = errors.New("invalid slab table")

// Mode says how a qualified slab affects the incentive.
type Mode string

const (
	// ModeRate multiplies the base incentive by the tier rate.
	ModeRate Mode = "rate"
	// ModeGate pays the unmodified base once any tier qualifies.
	ModeGate Mode = "gate"
)

// Tier is one named slab.
type Tier struct {
	Name       string
	MinPercent decimal.Decimal
	Rate       decimal.Decimal
}

// SlabTable is an immutable, ordered set of tiers.
type SlabTable struct {
	tiers   []Tier
	mode    Mode
	ceiling *decimal.Decimal
}

// NewSlabTable orders tiers by threshold and rejects tables where thresholds repeat
// or a higher threshold carries a lower rate. An empty table is allowed; calculating
// against it is a calculation fault. A nil ceiling leaves percent achieved uncapped.
func NewSlabTable(tiers []Tier, mode Mode, ceiling *decimal.Decimal) (*SlabTable, error) {
	switch mode {
	case ModeRate, ModeGate:
	case "":
		mode = ModeRate
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidSlabs, mode)
	}

	sorted := append([]Tier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinPercent.LessThan(sorted[j].MinPercent)
	})

	names := make(map[string]struct{}, len(sorted))
	for i, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tier %d has no name", ErrInvalidSlabs, i)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("%w: tier %q appears twice", ErrInvalidSlabs, name)
		}
		names[name] = struct{}{}
		if t.MinPercent.IsNegative() || t.Rate.IsNegative() {
			return nil, fmt.Errorf("%w: tier %q has a negative threshold or rate", ErrInvalidSlabs, name)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if t.MinPercent.Equal(prev.MinPercent) {
			return nil, fmt.Errorf("%w: tiers %q and %q share threshold %s", ErrInvalidSlabs, prev.Name, name, t.MinPercent)
		}
		if t.Rate.LessThan(prev.Rate) {
			return nil, fmt.Errorf("%w: tier %q rate %s is below %q rate %s", ErrInvalidSlabs, name, t.Rate, prev.Name, prev.Rate)
		}
	}

	if ceiling != nil {
		c := *ceiling
		if !c.IsPositive() {
			return nil, fmt.Errorf("%w: ceiling must be positive", ErrInvalidSlabs)
		}
		ceiling = &c
	}
	return &SlabTable{tiers: sorted, mode: mode, ceiling: ceiling}, nil
}

// Len returns the number of tiers.
func (s *SlabTable) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tiers)
}

// Mode returns the table's mode.
func (s *SlabTable) Mode() Mode { return s.mode }

// Tiers returns a copy of the ordered tiers.
func (s *SlabTable) Tiers() []Tier { return append([]Tier(nil), s.tiers...) }

// Clamp caps percent at the table ceiling, if any.
func (s *SlabTable) Clamp(percent decimal.Decimal) decimal.Decimal {
	if s.ceiling != nil && percent.GreaterThan(*s.ceiling) {
		return *s.ceiling
	}
	return percent
}

// Lookup returns the highest tier whose threshold is at or below percent.
func (s *SlabTable) Lookup(percent decimal.Decimal) (Tier, bool) {
	// First tier above percent; the one before it qualifies.
	i := sort.Search(len(s.tiers), func(i int) bool {
		return s.tiers[i].MinPercent.GreaterThan(percent)
	})
	if i == 0 {
		return Tier{}, false
	}
	return s.tiers[i-1], true
}
