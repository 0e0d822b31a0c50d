package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	dedupe "github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/internal/domain/model"
)

func TestInMemoryDeduper(t *testing.T) {
	Convey("Given a new InMemoryDeduper", t, func() {
		ctx := context.Background()

		Convey("When recording keys", func() {
			d := dedupe.NewInMemoryDeduper()

			Convey("And the key is new", func() {
				seen := d.SeenAndRecord(ctx, "TEAM|PL-1")

				Convey("Then it should return false and record the key", func() {
					So(seen, ShouldBeFalse)
					So(d.Size(), ShouldEqual, 1)
				})
			})

			Convey("And the key was already seen", func() {
				d.SeenAndRecord(ctx, "TEAM|PL-1")
				seen := d.SeenAndRecord(ctx, "TEAM|PL-1")

				Convey("Then it should return true", func() {
					So(seen, ShouldBeTrue)
					So(d.Size(), ShouldEqual, 1)
				})
			})
		})

		Convey("When many goroutines record distinct keys", func() {
			d := dedupe.NewInMemoryDeduper()
			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < 50; i++ {
						d.SeenAndRecord(ctx, fmt.Sprintf("%d-%d", g, i))
					}
				}(g)
			}
			wg.Wait()

			Convey("Then every key is counted once", func() {
				So(d.Size(), ShouldEqual, 400)
			})
		})
	})
}

func TestKeyAndMark(t *testing.T) {
	Convey("Given placements of one batch", t, func() {
		rows := []model.Placement{
			{Kind: model.KindTeam, PlacementID: "pl-1", SourceRow: 0},
			{Kind: model.KindTeam, PlacementID: "PL-2", SourceRow: 1},
			{Kind: model.KindTeam, PlacementID: " PL-1 ", SourceRow: 3},
			{Kind: model.KindTeam, PlacementID: "pl-1", SourceRow: 5},
		}

		Convey("Then keys ignore case and padding but not kind", func() {
			So(dedupe.Key(model.KindTeam, "pl-1"), ShouldEqual, dedupe.Key(model.KindTeam, " PL-1 "))
			So(dedupe.Key(model.KindTeam, "PL-1"), ShouldNotEqual, dedupe.Key(model.KindPersonal, "PL-1"))
		})

		Convey("When marking duplicates", func() {
			errs, rejected := dedupe.Mark(context.Background(), dedupe.NewInMemoryDeduper(), rows)

			Convey("Then every occurrence after the first is rejected", func() {
				So(errs, ShouldHaveLength, 2)
				So(errs[0].RowIndex, ShouldEqual, 3)
				So(errs[1].RowIndex, ShouldEqual, 5)
				So(errs[0].Kind, ShouldEqual, model.ErrorDuplicate)
				So(errs[0].Message, ShouldContainSubstring, "row 0")
				So(rejected, ShouldContainKey, 3)
				So(rejected, ShouldNotContainKey, 0)
			})
		})
	})
}
