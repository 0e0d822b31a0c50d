package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a custom registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithRegistry(registry))

			Convey("Then metrics are registered under the default namespace", func() {
				manager.RecordRow("staged")
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				names := make([]string, 0, len(families))
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(names, ShouldContain, "tally_reconcile_rows_processed_total")
			})
		})

		Convey("When creating with custom naming options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNames("acme", "payroll"),
				WithPrefix("import"),
				WithLatencyBuckets(0.1, 0.5, 1.0),
				WithConstLabels(map[string]string{"env": "test"}),
				WithRegistry(registry),
			)
			manager.RecordRowError("parse")

			Convey("Then names and const labels follow the options", func() {
				expected := `
# HELP acme_payroll_import_row_errors_total Row-level errors by kind
# TYPE acme_payroll_import_row_errors_total counter
acme_payroll_import_row_errors_total{env="test",kind="parse"} 1
`
				err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "acme_payroll_import_row_errors_total")
				So(err, ShouldBeNil)
			})
		})

		Convey("When empty option values are given", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNames("", ""),
				WithLatencyBuckets(),
				WithRegistry(registry),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "tally")
				So(manager.subsystem, ShouldEqual, "reconcile")
				So(manager.histogramBuckets, ShouldResemble, prometheus.DefBuckets)
			})
		})
	})
}

func TestManagerRecording(t *testing.T) {
	Convey("Given a manager on an isolated registry", t, func() {
		manager := NewManager(WithRegistry(prometheus.NewRegistry()))

		Convey("When a batch completes", func() {
			manager.RecordBatch("TEAM", "COMPLETED", 3, 250*time.Millisecond)
			manager.RecordBatch("TEAM", "COMPLETED", 5, 150*time.Millisecond)
			manager.RecordBatch("PERSONAL", "FAILED", 1, time.Millisecond)

			Convey("Then batches are counted by kind and status", func() {
				So(testutil.ToFloat64(manager.batchesProcessed.WithLabelValues("TEAM", "COMPLETED")), ShouldEqual, 2)
				So(testutil.ToFloat64(manager.batchesProcessed.WithLabelValues("PERSONAL", "FAILED")), ShouldEqual, 1)
			})
		})

		Convey("When calculations and commits are recorded", func() {
			manager.RecordCalculation(time.Millisecond, false)
			manager.RecordCalculation(time.Millisecond, true)
			manager.RecordCommit(time.Millisecond, true)

			Convey("Then only faults and failures increment their counters", func() {
				So(testutil.ToFloat64(manager.calculationFaults), ShouldEqual, 1)
				So(testutil.ToFloat64(manager.commitFailures), ShouldEqual, 1)
			})
		})

		Convey("When metrics are disabled", func() {
			disabled := NewManager(WithRegistry(prometheus.NewRegistry()), Disabled())
			disabled.RecordRow("staged")
			disabled.RecordRowError("parse")

			Convey("Then nothing is recorded", func() {
				So(testutil.ToFloat64(disabled.rowsProcessed.WithLabelValues("staged")), ShouldEqual, 0)
				So(testutil.ToFloat64(disabled.rowErrors.WithLabelValues("parse")), ShouldEqual, 0)
			})
		})
	})
}

func TestGlobalHelpers(t *testing.T) {
	Convey("Given the global manager", t, func() {
		before := testutil.ToFloat64(globalManager.rowErrors.WithLabelValues("duplicate"))

		RecordRowError("duplicate")
		RecordRow("rejected")
		RecordRecompute()
		RecordAuditFailure()
		RecordDirectoryError("resolve_target")
		UpdateWorkerActiveCount(4)
		UpdateLaneCount(2)

		Convey("Then the custom registry reflects the updates", func() {
			So(testutil.ToFloat64(globalManager.rowErrors.WithLabelValues("duplicate")), ShouldEqual, before+1)
			So(testutil.ToFloat64(globalManager.workerActiveCount), ShouldEqual, 4)
			So(testutil.ToFloat64(globalManager.laneCount), ShouldEqual, 2)
			So(GetRegistry(), ShouldNotBeNil)
		})
	})
}
