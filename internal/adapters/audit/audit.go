// Package audit forwards batch completion events to the audit trail.
package audit

import (
	"context"
	"time"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/pkg/logger"
)

// Sink receives one event per finished batch.
type Sink interface {
	Emit(ctx context.Context, ev model.AuditEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.AuditEvent) error

func (f SinkFunc) Emit(ctx context.Context, ev model.AuditEvent) error { return f(ctx, ev) }

// LogSink writes events as structured log lines for the audit log shipper.
type LogSink struct {
	logger logger.Logger
}

// Option applies a configuration option to the LogSink.
type Option func(*LogSink)

// WithLogger sets a custom logger for the sink.
func WithLogger(l logger.Logger) Option {
	return func(s *LogSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewLogSink creates a sink logging under the "audit" name.
func NewLogSink(opts ...Option) *LogSink {
	s := &LogSink{logger: logger.Get().Named("audit")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LogSink) Emit(ctx context.Context, ev model.AuditEvent) error { //nolint:gocritic // hugeParam: events are values
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info(ctx, "batch completed",
		logger.String("batch_id", ev.BatchID.String()),
		logger.String("kind", string(ev.Kind)),
		logger.String("status", string(ev.Status)),
		logger.Int("row_count", ev.RowCount),
		logger.Int("error_count", ev.ErrorCount),
		logger.String("actor_id", ev.ActorID),
		logger.String("at", ev.At.UTC().Format(time.RFC3339Nano)),
	)
	return nil
}
