package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tally/internal/adapters/repository"
	service "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/validate"
)

func TestImport_Scenarios(t *testing.T) {
	Convey("Given a team lead with a yearly placement target of 10", t, func() {
		ctx := context.Background()
		dir := newDirectory().withTarget("lead-1", 2024, model.TargetPlacements, 10)
		f := newFixture(dir)

		Convey("When two placements are already stored and three more arrive", func() {
			_, err := f.svc.Import(ctx, request(model.KindTeam, "lead-1", record("", "P1"), record("", "P2")))
			So(err, ShouldBeNil)

			s, err := f.svc.Import(ctx, request(model.KindTeam, "lead-1", record("", "P3"), record("", "P4"), record("", "P5")))

			Convey("Then achievement continues from the prior total", func() {
				So(err, ShouldBeNil)
				So(s.Status, ShouldEqual, model.StatusCompleted)
				So(s.Rows, ShouldHaveLength, 3)
				for i, want := range []string{"3", "4", "5"} {
					So(s.Rows[i].AchievedToDate.Equal(dec(want)), ShouldBeTrue)
				}
				for i, want := range []string{"30", "40", "50"} {
					So(s.Rows[i].PercentAchieved.Equal(dec(want)), ShouldBeTrue)
				}
			})

			Convey("Then the owner totals cover all five rows", func() {
				totals, err := f.svc.Totals(ctx, model.OwnerKey{Kind: model.KindTeam, OwnerID: "lead-1", Year: 2024})
				So(err, ShouldBeNil)
				So(totals.Rows, ShouldEqual, 5)
				So(totals.Achieved.Equal(dec("5")), ShouldBeTrue)
				So(totals.Incentive.Equal(dec("41500")), ShouldBeTrue)
				So(s.Rows[0].TotalIncentive.Equal(dec("41500")), ShouldBeTrue)
			})
		})
	})

	Convey("Given a batch whose second row has no client", t, func() {
		ctx := context.Background()
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 10))

		s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1",
			record("e1", "P1"),
			record("e1", "P2", map[string]any{"Client": ""}),
		))

		Convey("Then one row is stored and the manifest names the field", func() {
			So(err, ShouldBeNil)
			So(s.Status, ShouldEqual, model.StatusCompletedWithErrors)
			So(s.Succeeded, ShouldEqual, 1)
			So(f.store.Count(), ShouldEqual, 1)
			So(s.Errors, ShouldHaveLength, 1)
			So(s.Errors[0].RowIndex, ShouldEqual, 1)
			So(s.Errors[0].Field, ShouldEqual, "client")
			So(s.Errors[0].Message, ShouldEqual, validate.MsgRequired)
		})

		Convey("Then the stored batch carries the same manifest", func() {
			b, err := f.svc.Batch(ctx, s.BatchID)
			So(err, ShouldBeNil)
			So(b.Status, ShouldEqual, model.StatusCompletedWithErrors)
			So(b.Errors, ShouldResemble, s.Errors)
			So(b.FXRate.Equal(fx), ShouldBeTrue)
		})
	})

	Convey("Given a row qualified for billing before the candidate joined", t, func() {
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 10))

		s, err := f.svc.Import(context.Background(), request(model.KindPersonal, "e1",
			record("e1", "P1", map[string]any{"Date of Billing Qualification": "2024-01-15"}),
		))

		Convey("Then it is rejected referencing both dates", func() {
			So(err, ShouldBeNil)
			So(s.Errors, ShouldHaveLength, 1)
			So(s.Errors[0].Kind, ShouldEqual, model.ErrorValidation)
			So(s.Errors[0].Field, ShouldEqual, validate.DateOrderField)
			So(f.store.Count(), ShouldEqual, 0)
		})
	})

	Convey("Given an owner without a target for the placement year", t, func() {
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 10))

		s, err := f.svc.Import(context.Background(), request(model.KindPersonal, "hr",
			record("e1", "P1"),
			record("ghost", "P2"),
		))

		Convey("Then only that row is rejected and the batch completes with errors", func() {
			So(err, ShouldBeNil)
			So(s.Status, ShouldEqual, model.StatusCompletedWithErrors)
			So(s.Errors, ShouldHaveLength, 1)
			So(s.Errors[0].RowIndex, ShouldEqual, 1)
			So(s.Errors[0].Kind, ShouldEqual, model.ErrorTargetNotFound)
			So(errors.Is(s.Errors[0], model.ErrTargetNotFound), ShouldBeTrue)
			So(f.store.Count(), ShouldEqual, 1)
		})
	})
}

func TestImport_PartialSuccess(t *testing.T) {
	Convey("Given a batch of six rows where two are invalid", t, func() {
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetRevenue, 100000))

		s, err := f.svc.Import(context.Background(), request(model.KindPersonal, "e1",
			record("e1", "P0"),
			record("e1", "P1", map[string]any{"Revenue": "abc", "Client": ""}),
			record("e1", "P2"),
			record("e1", "P3"),
			record("e1", "P4", map[string]any{"Placement Type": "freelance"}),
			record("e1", "P5"),
		))

		Convey("Then exactly the valid rows are stored", func() {
			So(err, ShouldBeNil)
			So(s.Succeeded, ShouldEqual, 4)
			So(s.Failed, ShouldEqual, 2)
			So(f.store.Count(), ShouldEqual, 4)
			So(len(s.Errors), ShouldBeGreaterThanOrEqualTo, 2)
		})

		Convey("Then no row is both stored and in the manifest", func() {
			bad := model.RowIndices(s.Errors)
			for _, r := range s.Rows {
				_, clash := bad[r.SourceRow]
				So(clash, ShouldBeFalse)
			}
			So(bad, ShouldContainKey, 1)
			So(bad, ShouldContainKey, 4)
		})

		Convey("Then a malformed cell is reported once, as a parse error", func() {
			var revenue []model.RowError
			for _, e := range s.Errors {
				if e.Field == "revenue" {
					revenue = append(revenue, e)
				}
			}
			So(revenue, ShouldHaveLength, 1)
			So(revenue[0].Kind, ShouldEqual, model.ErrorParse)
		})

		Convey("Then the manifest is ordered by row", func() {
			for i := 1; i < len(s.Errors); i++ {
				So(s.Errors[i-1].RowIndex, ShouldBeLessThanOrEqualTo, s.Errors[i].RowIndex)
			}
		})
	})
}

func TestImport_Atomicity(t *testing.T) {
	Convey("Given a store that fails every commit", t, func() {
		inner := repository.NewMemoryStore()
		sink := &recordingSink{}
		svc := service.New(
			service.WithStore(failingStore{inner}),
			service.WithDirectory(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 10)),
			service.WithAuditSink(sink),
			service.WithFXRate(fx),
		)

		s, err := svc.Import(context.Background(), request(model.KindPersonal, "e1", record("e1", "P1"), record("e1", "P2")))

		Convey("Then the batch fails with a persistence fault and nothing is stored", func() {
			So(errors.Is(err, model.ErrPersistence), ShouldBeTrue)
			So(s.Status, ShouldEqual, model.StatusFailed)
			So(s.Succeeded, ShouldEqual, 0)
			So(s.Rows, ShouldBeEmpty)
			So(inner.Count(), ShouldEqual, 0)
		})

		Convey("Then the failure is still audited", func() {
			So(sink.last().Status, ShouldEqual, model.StatusFailed)
			So(sink.last().RowCount, ShouldEqual, 2)
		})
	})
}

func TestImport_Cancellation(t *testing.T) {
	Convey("Given a batch cancelled while owners are being resolved", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		dir := newDirectory().
			withTarget("e1", 2024, model.TargetPlacements, 10).
			withTarget("e2", 2024, model.TargetPlacements, 10)
		dir.onResolve = func(owner string) {
			if owner == "e2" {
				cancel()
			}
		}
		f := newFixture(dir)

		s, err := f.svc.Import(ctx, request(model.KindPersonal, "hr", record("e1", "P1"), record("e2", "P2")))

		Convey("Then staged rows are discarded and the batch is cancelled", func() {
			So(errors.Is(err, model.ErrCancelled), ShouldBeTrue)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(s.Status, ShouldEqual, model.StatusCancelled)
			So(f.store.Count(), ShouldEqual, 0)
			_, getErr := f.svc.Batch(context.Background(), s.BatchID)
			So(errors.Is(getErr, repository.ErrNotFound), ShouldBeTrue)
			So(f.sink.last().Status, ShouldEqual, model.StatusCancelled)
		})
	})

	Convey("Given a context cancelled before the batch starts", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 10))

		s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1", record("e1", "P1")))

		Convey("Then nothing is processed", func() {
			So(errors.Is(err, model.ErrCancelled), ShouldBeTrue)
			So(s.Status, ShouldEqual, model.StatusCancelled)
			So(f.store.Count(), ShouldEqual, 0)
		})
	})
}

func TestImport_RowRules(t *testing.T) {
	Convey("Given an owner with a placement target", t, func() {
		ctx := context.Background()
		dir := newDirectory().
			withTarget("e1", 2024, model.TargetPlacements, 10).
			withTarget("e2", 2024, model.TargetPlacements, 10)
		f := newFixture(dir)

		Convey("When a placement id repeats inside the batch", func() {
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1",
				record("e1", "P1"), record("e1", "P2"), record("e1", " p1 ")))

			Convey("Then only the repeat is rejected", func() {
				So(err, ShouldBeNil)
				So(s.Succeeded, ShouldEqual, 2)
				So(s.Errors, ShouldHaveLength, 1)
				So(s.Errors[0].RowIndex, ShouldEqual, 2)
				So(s.Errors[0].Kind, ShouldEqual, model.ErrorDuplicate)
				So(s.Errors[0].Message, ShouldContainSubstring, "row 0")
			})
		})

		Convey("When configured codes are spelled differently from the cells", func() {
			g := newFixture(dir,
				service.WithPlacementTypes("Contract to hire"),
				service.WithBillingStatuses(map[string]bool{"On hold": true}),
			)
			s, err := g.svc.Import(ctx, request(model.KindPersonal, "e1",
				record("e1", "P1", map[string]any{"Placement Type": "contract-to-hire", "Billing Status": "ON HOLD"})))

			Convey("Then the row is accepted and counts toward the target", func() {
				So(err, ShouldBeNil)
				So(s.Errors, ShouldBeEmpty)
				So(s.Rows, ShouldHaveLength, 1)
				So(s.Rows[0].PlacementType, ShouldEqual, "CONTRACT_TO_HIRE")
				So(s.Rows[0].AchievedToDate.Equal(dec("1")), ShouldBeTrue)
			})
		})

		Convey("When rows carry derived columns under camel case headers", func() {
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1",
				record("e1", "P1", map[string]any{"totalIncentiveInr": "9999"}),
				record("e1", "P2", map[string]any{"achievedToDate": "7"}),
				record("e1", "P3")))

			Convey("Then those rows are rejected instead of silently accepted", func() {
				So(err, ShouldBeNil)
				So(s.Succeeded, ShouldEqual, 1)
				So(s.Errors, ShouldHaveLength, 2)
				So(s.Errors[0].Field, ShouldEqual, "total_incentive_inr")
				So(s.Errors[1].Field, ShouldEqual, "achieved_to_date")
				So(s.Errors[1].Message, ShouldEqual, validate.MsgDerived)
				So(s.Rows[0].AchievedToDate.Equal(dec("1")), ShouldBeTrue)
			})
		})

		Convey("When the uploader may not submit for an owner", func() {
			dir.deny("e2", "e1")
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e2", record("e1", "P1"), record("", "P2")))

			Convey("Then that owner's rows get an ownership error", func() {
				So(err, ShouldBeNil)
				So(s.Errors, ShouldHaveLength, 1)
				So(s.Errors[0].RowIndex, ShouldEqual, 0)
				So(s.Errors[0].Kind, ShouldEqual, model.ErrorOwnership)
				So(s.Rows, ShouldHaveLength, 1)
				So(s.Rows[0].OwnerID, ShouldEqual, "e2")
			})
		})

		Convey("When every row fails", func() {
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1",
				record("e1", "P1", map[string]any{"Client": ""}),
				record("ghost", "P2")))

			Convey("Then the batch is failed but its manifest is kept", func() {
				So(err, ShouldBeNil)
				So(s.Status, ShouldEqual, model.StatusFailed)
				b, err := f.svc.Batch(ctx, s.BatchID)
				So(err, ShouldBeNil)
				So(b.Status, ShouldEqual, model.StatusFailed)
				So(b.Errors, ShouldHaveLength, 2)
				So(f.store.Count(), ShouldEqual, 0)
			})
		})

		Convey("When the batch is empty", func() {
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1"))

			Convey("Then it completes with nothing stored", func() {
				So(err, ShouldBeNil)
				So(s.Status, ShouldEqual, model.StatusCompleted)
				So(s.TotalRows, ShouldEqual, 0)
				So(s.Errors, ShouldBeEmpty)
			})
		})

		Convey("When the request is malformed", func() {
			_, kindErr := f.svc.Import(ctx, request(model.Kind("squad"), "e1", record("e1", "P1")))
			_, uploaderErr := f.svc.Import(ctx, request(model.KindPersonal, " ", record("e1", "P1")))

			Convey("Then it is refused before processing", func() {
				So(errors.Is(kindErr, service.ErrInvalidRequest), ShouldBeTrue)
				So(errors.Is(uploaderErr, service.ErrInvalidRequest), ShouldBeTrue)
				So(f.sink.events, ShouldBeEmpty)
			})
		})
	})
}

func TestImport_Amounts(t *testing.T) {
	Convey("Given an owner measured on revenue", t, func() {
		ctx := context.Background()
		dir := newDirectory().withTarget("e1", 2024, model.TargetRevenue, 10000)

		Convey("When a row is on hold", func() {
			f := newFixture(dir)
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1",
				record("e1", "P1"),
				record("e1", "P2", map[string]any{"Billing Status": "on hold", "Revenue": "9000"}),
				record("e1", "P3", map[string]any{"Revenue": "2,500"}),
			))

			Convey("Then it earns nothing and adds nothing to achievement", func() {
				So(err, ShouldBeNil)
				So(s.Rows, ShouldHaveLength, 3)
				So(s.Rows[1].AchievedToDate.Equal(dec("1000")), ShouldBeTrue)
				So(s.Rows[1].Incentive.IsZero(), ShouldBeTrue)
				So(s.Rows[2].AchievedToDate.Equal(dec("3500")), ShouldBeTrue)
				So(s.Rows[2].PercentAchieved.Equal(dec("35")), ShouldBeTrue)
				So(s.TotalRevenue.Equal(dec("3500")), ShouldBeTrue)
				So(s.TotalIncentive.Equal(dec("16600")), ShouldBeTrue)
			})
		})

		Convey("When the batch carries its own FX rate", func() {
			f := newFixture(dir)
			req := request(model.KindPersonal, "e1", record("e1", "P1"))
			req.FXRate = dec("80")
			s, err := f.svc.Import(ctx, req)

			Convey("Then the rate overrides the default", func() {
				So(err, ShouldBeNil)
				So(s.Rows[0].Incentive.Equal(dec("8000")), ShouldBeTrue)
				So(s.Rows[0].FXRate.Equal(dec("80")), ShouldBeTrue)
			})
		})

		Convey("When no FX rate is configured at all", func() {
			f := newFixture(dir, service.WithFXRate(dec("0")))
			s, err := f.svc.Import(ctx, request(model.KindPersonal, "e1", record("e1", "P1")))

			Convey("Then the row is a calculation fault", func() {
				So(err, ShouldBeNil)
				So(s.Status, ShouldEqual, model.StatusFailed)
				So(s.Errors, ShouldHaveLength, 1)
				So(errors.Is(s.Errors[0], model.ErrCalculation), ShouldBeTrue)
			})
		})
	})

	Convey("Given TEAM rows split with co-recipients", t, func() {
		ctx := context.Background()
		dir := newDirectory().withTarget("lead-1", 2024, model.TargetPlacements, 10)
		split := map[string]any{"Split With": "e7, e8"}

		Convey("When the engine divides splits", func() {
			f := newFixture(dir, service.WithSplitPolicy("divide"))
			s, err := f.svc.Import(ctx, request(model.KindTeam, "lead-1", record("", "P1", split)))

			Convey("Then the incentive is shared three ways", func() {
				So(err, ShouldBeNil)
				So(s.Rows[0].Incentive.Equal(dec("2766.67")), ShouldBeTrue)
				So(s.Rows[0].SplitWith, ShouldResemble, []string{"e7", "e8"})
			})
		})

		Convey("When splits arrive pre-divided", func() {
			f := newFixture(dir)
			s, err := f.svc.Import(ctx, request(model.KindTeam, "lead-1", record("", "P1", split)))

			Convey("Then the base is paid as is", func() {
				So(err, ShouldBeNil)
				So(s.Rows[0].Incentive.Equal(dec("8300")), ShouldBeTrue)
			})
		})
	})
}

func TestImport_OwnerLanes(t *testing.T) {
	Convey("Given rows of many owners interleaved", t, func() {
		dir := newDirectory()
		for i := 0; i < 5; i++ {
			dir.withTarget(fmt.Sprintf("e%d", i), 2024, model.TargetPlacements, 100)
		}
		f := newFixture(dir, service.WithLaneLimit(2))

		var recs []model.RawRecord
		for i := 0; i < 40; i++ {
			recs = append(recs, record(fmt.Sprintf("e%d", i%5), fmt.Sprintf("P%d", i)))
		}
		s, err := f.svc.Import(context.Background(), request(model.KindPersonal, "hr", recs...))

		Convey("Then each owner's rows accumulate in input order", func() {
			So(err, ShouldBeNil)
			So(s.Rows, ShouldHaveLength, 40)
			last := map[string]int64{}
			for i, r := range s.Rows {
				So(r.SourceRow, ShouldEqual, i)
				n := r.AchievedToDate.IntPart()
				So(n, ShouldEqual, last[r.OwnerID]+1)
				last[r.OwnerID] = n
			}
		})
	})
}

func TestImport_ConcurrentBatchesOfOneOwner(t *testing.T) {
	Convey("Given several batches for the same owner and year arriving at once", t, func() {
		ctx := context.Background()
		store := slowStore{MemoryStore: repository.NewMemoryStore(), delay: 5 * time.Millisecond}
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 100), service.WithStore(store))

		const batches = 8
		var wg sync.WaitGroup
		errs := make([]error, batches)
		for i := 0; i < batches; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.Import(ctx, request(model.KindPersonal, "e1", record("e1", fmt.Sprintf("P%d", i))))
			}(i)
		}
		wg.Wait()

		Convey("Then every batch commits and builds on the one before it", func() {
			for _, err := range errs {
				So(err, ShouldBeNil)
			}
			totals, err := f.svc.Totals(ctx, model.OwnerKey{Kind: model.KindPersonal, OwnerID: "e1", Year: 2024})
			So(err, ShouldBeNil)
			So(totals.Rows, ShouldEqual, batches)
			So(totals.Achieved.Equal(dec(fmt.Sprint(batches))), ShouldBeTrue)

			rows, err := store.LoadPriorRows(ctx, model.KindPersonal, "e1", 2024)
			So(err, ShouldBeNil)
			So(rows, ShouldHaveLength, batches)
			for i, r := range rows {
				So(r.AchievedToDate.IntPart(), ShouldEqual, i+1)
			}
		})
	})

	Convey("Given an import and a recompute of the same owner racing", t, func() {
		ctx := context.Background()
		store := slowStore{MemoryStore: repository.NewMemoryStore(), delay: 5 * time.Millisecond}
		f := newFixture(newDirectory().withTarget("e1", 2024, model.TargetPlacements, 100), service.WithStore(store))
		_, err := f.svc.Import(ctx, request(model.KindPersonal, "e1", record("e1", "P0")))
		So(err, ShouldBeNil)

		var wg sync.WaitGroup
		var importErr, recomputeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, importErr = f.svc.Import(ctx, request(model.KindPersonal, "e1", record("e1", "P1")))
		}()
		go func() {
			defer wg.Done()
			_, recomputeErr = f.svc.Recompute(ctx, model.KindPersonal, "e1", 2024)
		}()
		wg.Wait()

		Convey("Then the totals count both rows", func() {
			So(importErr, ShouldBeNil)
			So(recomputeErr, ShouldBeNil)
			totals, err := f.svc.Totals(ctx, model.OwnerKey{Kind: model.KindPersonal, OwnerID: "e1", Year: 2024})
			So(err, ShouldBeNil)
			So(totals.Rows, ShouldEqual, 2)
			So(totals.Achieved.Equal(dec("2")), ShouldBeTrue)
		})
	})
}
