package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/okian/tally/internal/adapters/sheet"
	service "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

type importReport struct {
	types.Summary
	Errors        []reportError `json:"errors"`
	RevenueText   string        `json:"total_revenue_display"`
	IncentiveText string        `json:"total_incentive_display"`
}

// reportError is a manifest entry with the sheet line its row came from.
type reportError struct {
	model.RowError
	Line int `json:"line,omitempty"`
}

func newImportReport(s *types.Summary, table *sheet.Table) importReport {
	errs := make([]reportError, len(s.Errors))
	for i, e := range s.Errors {
		errs[i] = reportError{RowError: e, Line: table.Line(e.RowIndex)}
	}
	return importReport{
		Summary:       *s,
		Errors:        errs,
		RevenueText:   s.RevenueDisplay(),
		IncentiveText: s.IncentiveDisplay(),
	}
}

type totalsView struct {
	Kind          model.Kind      `json:"kind"`
	OwnerID       string          `json:"owner_id"`
	Year          int             `json:"year"`
	Rows          int             `json:"rows"`
	Achieved      decimal.Decimal `json:"achieved"`
	Revenue       decimal.Decimal `json:"revenue"`
	Incentive     decimal.Decimal `json:"incentive"`
	IncentivePaid decimal.Decimal `json:"incentive_paid"`
}

func viewTotals(t model.OwnerTotals) totalsView { //nolint:gocritic // hugeParam: totals are values
	return totalsView{
		Kind:          t.Kind,
		OwnerID:       t.OwnerID,
		Year:          t.Year,
		Rows:          t.Rows,
		Achieved:      t.Achieved,
		Revenue:       t.Revenue,
		Incentive:     t.Incentive,
		IncentivePaid: t.IncentivePaid,
	}
}

type paymentView struct {
	RowID              uuid.UUID        `json:"row_id"`
	Incentive          decimal.Decimal  `json:"incentive"`
	IncentivePaid      *decimal.Decimal `json:"incentive_paid"`
	TotalIncentivePaid decimal.Decimal  `json:"total_incentive_paid"`
}

type batchView struct {
	ID         uuid.UUID         `json:"id"`
	Kind       model.Kind        `json:"kind"`
	Status     model.BatchStatus `json:"status"`
	UploaderID string            `json:"uploader_id"`
	RowCount   int               `json:"row_count"`
	FXRate     decimal.Decimal   `json:"fx_rate"`
	CreatedAt  string            `json:"created_at"`
	Errors     []model.RowError  `json:"errors"`
}

func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newImportCmd(e *env) *cobra.Command {
	var (
		kind, uploader, fx, format string
		maxRows                    int
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a CSV or XLSX placement sheet as one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			f := sheet.Format(strings.ToLower(format))
			if format == "" {
				var err error
				if f, err = sheet.FormatFromName(path); err != nil {
					return err
				}
			}
			req := service.ImportRequest{Kind: model.Kind(kind), UploaderID: uploader}
			if fx != "" {
				rate, err := decimal.NewFromString(fx)
				if err != nil {
					return fmt.Errorf("%w: fx %q: %v", service.ErrInvalidRequest, fx, err)
				}
				req.FXRate = rate
			}

			file, err := os.Open(path) //nolint:gosec // path comes from the operator
			if err != nil {
				return err
			}
			defer file.Close()
			table, err := sheet.Decode(file, f, sheet.WithMaxRows(maxRows))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			req.Records = table.Records
			e.log.Info(ctx, "sheet decoded", logger.String("file", path), logger.Int("rows", len(req.Records)))

			s, importErr := e.svc.Import(ctx, req)
			if s.BatchID == uuid.Nil {
				return importErr
			}
			if err := e.print(newImportReport(&s, table)); err != nil {
				return err
			}
			return importErr
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "batch kind: personal or team")
	cmd.Flags().StringVar(&uploader, "uploader", "", "id of the submitting actor")
	cmd.Flags().StringVar(&fx, "fx", "", "USD->INR rate for this batch (defaults to default_fx_rate)")
	cmd.Flags().StringVar(&format, "format", "", "sheet format: csv or xlsx (defaults to the file extension)")
	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "refuse sheets with more data rows than this (0 means unlimited)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("uploader")
	return cmd
}

func newRecomputeCmd(e *env) *cobra.Command {
	var (
		kind, owner string
		year        int
	)
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recalculate every stored row of one owner and year",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := model.ParseKind(kind)
			if err != nil {
				return err
			}
			totals, err := e.svc.Recompute(cmd.Context(), k, strings.TrimSpace(owner), year)
			if err != nil {
				return err
			}
			return e.print(viewTotals(totals))
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "batch kind: personal or team")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().IntVar(&year, "year", 0, "placement year")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func newPayCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "pay ROW_ID AMOUNT",
		Short: "Record the incentive payroll disbursed for a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: row id: %v", service.ErrInvalidRequest, err)
			}
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("%w: %v", service.ErrInvalidAmount, err)
			}
			row, err := e.svc.RecordIncentivePaid(cmd.Context(), id, amount)
			if err != nil {
				return err
			}
			return e.print(paymentView{
				RowID:              row.ID,
				Incentive:          row.Incentive,
				IncentivePaid:      row.IncentivePaid,
				TotalIncentivePaid: row.TotalIncentivePaid,
			})
		},
	}
}

func newBatchCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "batch ID",
		Short: "Show a stored batch and its error manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("%w: batch id: %v", service.ErrInvalidRequest, err)
			}
			b, err := e.svc.Batch(cmd.Context(), id)
			if err != nil {
				return err
			}
			errs := b.Errors
			if errs == nil {
				errs = []model.RowError{}
			}
			return e.print(batchView{
				ID:         b.ID,
				Kind:       b.Kind,
				Status:     b.Status,
				UploaderID: b.UploaderID,
				RowCount:   b.RowCount,
				FXRate:     b.FXRate,
				CreatedAt:  b.CreatedAt.Format(time.RFC3339),
				Errors:     errs,
			})
		},
	}
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the PostgreSQL schema and tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if e.pg == nil {
				return fmt.Errorf("%w, configured store is %q", errNeedsPostgres, e.cfg.Store)
			}
			if err := e.pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			e.log.Info(cmd.Context(), "schema migrated")
			return nil
		},
	}
}
