package service

import (
	"context"

	"github.com/okian/tally/internal/adapters/mq/queue"
	"github.com/okian/tally/internal/adapters/mq/worker"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/parse"
	"github.com/okian/tally/internal/domain/validate"
)

// rowProcessor parses and validates one record.
type rowProcessor struct {
	parser    *parse.Parser
	validator *validate.Validator
}

func (p *rowProcessor) Process(_ context.Context, job queue.Job) worker.Result {
	cand, parseErrs := p.parser.Parse(job.Index, job.Record)
	row, validErrs := p.validator.Validate(cand)
	if len(parseErrs) == 0 {
		return worker.Result{Index: job.Index, Placement: row, Errors: validErrs}
	}

	// A cell that failed to parse is blank to the validator; report it once.
	failed := make(map[string]struct{}, len(parseErrs))
	for _, e := range parseErrs {
		failed[e.Field] = struct{}{}
	}
	errs := parseErrs
	for _, e := range validErrs {
		if _, dup := failed[e.Field]; !dup {
			errs = append(errs, e)
		}
	}
	return worker.Result{Index: job.Index, Errors: errs}
}

// sliceCollector stores results by row index. Each index is written by exactly one worker.
type sliceCollector struct {
	results []worker.Result
}

func (c *sliceCollector) Collect(_ context.Context, res worker.Result) {
	c.results[res.Index] = res
}

// stagedRows splits collected results into clean rows and their errors, in input order.
func (c *sliceCollector) stagedRows() ([]model.Placement, []model.RowError) {
	rows := make([]model.Placement, 0, len(c.results))
	var errs []model.RowError
	for i := range c.results {
		if c.results[i].OK() {
			rows = append(rows, c.results[i].Placement)
			continue
		}
		errs = append(errs, c.results[i].Errors...)
	}
	return rows, errs
}
