package incentive_test

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tally/internal/domain/incentive"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tiers() []incentive.Tier {
	return []incentive.Tier{
		{Name: "GOLD", MinPercent: d("100"), Rate: d("1.5")},
		{Name: "BRONZE", MinPercent: d("25"), Rate: d("0.5")},
		{Name: "SILVER", MinPercent: d("50"), Rate: d("1")},
	}
}

func TestNewSlabTable(t *testing.T) {
	Convey("Given slab tiers listed out of order", t, func() {
		table, err := incentive.NewSlabTable(tiers(), incentive.ModeRate, nil)

		Convey("Then they are ordered by threshold", func() {
			So(err, ShouldBeNil)
			So(table.Len(), ShouldEqual, 3)
			names := []string{}
			for _, tr := range table.Tiers() {
				names = append(names, tr.Name)
			}
			So(names, ShouldResemble, []string{"BRONZE", "SILVER", "GOLD"})
		})

		Convey("When two tiers share a threshold", func() {
			bad := append(tiers(), incentive.Tier{Name: "PLATINUM", MinPercent: d("100"), Rate: d("2")})
			_, err := incentive.NewSlabTable(bad, incentive.ModeRate, nil)

			Convey("Then the table is rejected", func() {
				So(errors.Is(err, incentive.ErrInvalidSlabs), ShouldBeTrue)
			})
		})

		Convey("When a higher threshold pays a lower rate", func() {
			bad := append(tiers(), incentive.Tier{Name: "PLATINUM", MinPercent: d("150"), Rate: d("1.2")})
			_, err := incentive.NewSlabTable(bad, incentive.ModeRate, nil)

			Convey("Then the table is rejected", func() {
				So(errors.Is(err, incentive.ErrInvalidSlabs), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "PLATINUM")
			})
		})

		Convey("When the mode is unknown", func() {
			_, err := incentive.NewSlabTable(tiers(), incentive.Mode("bonus"), nil)

			Convey("Then the table is rejected", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestSlabLookup(t *testing.T) {
	Convey("Given an ordered slab table with a ceiling", t, func() {
		ceiling := d("120")
		table, err := incentive.NewSlabTable(tiers(), incentive.ModeRate, &ceiling)
		So(err, ShouldBeNil)

		Convey("Then the highest tier at or below the percent qualifies", func() {
			_, ok := table.Lookup(d("24.99"))
			So(ok, ShouldBeFalse)

			tier, ok := table.Lookup(d("25"))
			So(ok, ShouldBeTrue)
			So(tier.Name, ShouldEqual, "BRONZE")

			tier, _ = table.Lookup(d("99.99"))
			So(tier.Name, ShouldEqual, "SILVER")

			tier, _ = table.Lookup(d("400"))
			So(tier.Name, ShouldEqual, "GOLD")
		})

		Convey("Then percents above the ceiling are clamped", func() {
			So(table.Clamp(d("180")).Equal(ceiling), ShouldBeTrue)
			So(table.Clamp(d("80")).Equal(d("80")), ShouldBeTrue)
		})
	})
}

func TestSlabMonotonicity(t *testing.T) {
	Convey("Given a fixed slab table", t, func() {
		table, err := incentive.NewSlabTable(tiers(), incentive.ModeRate, nil)
		So(err, ShouldBeNil)

		Convey("When non-decreasing percents are looked up", func() {
			rng := rand.New(rand.NewSource(7)) //nolint:gosec // deterministic test data
			percents := make([]decimal.Decimal, 200)
			for i := range percents {
				percents[i] = decimal.NewFromInt(rng.Int63n(20000)).Shift(-2)
			}
			sort.Slice(percents, func(i, j int) bool { return percents[i].LessThan(percents[j]) })

			Convey("Then the qualified rates never decrease", func() {
				last := decimal.NewFromInt(-1)
				for _, p := range percents {
					rate := decimal.Zero
					if tier, ok := table.Lookup(p); ok {
						rate = tier.Rate
					}
					So(rate.GreaterThanOrEqual(last), ShouldBeTrue)
					last = rate
				}
			})
		})
	})
}
