// Package target resolves the yearly target a placement row counts against.
package target

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Directory is the read side of the owner directory.
type Directory interface {
	ResolveOwner(ctx context.Context, ownerID string) (model.Owner, error)
	ResolveTarget(ctx context.Context, ownerID string, year int) (model.Target, error)
}

// Resolution is the owner and target snapshot used for a whole batch.
type Resolution struct {
	Owner  model.Owner
	Target model.Target
}

type entry struct {
	res Resolution
	err error
}

// Resolver caches one resolution per (owner, year) for the lifetime of a batch.
type Resolver struct {
	dir    Directory
	logger logger.Logger

	mu    sync.Mutex
	cache map[string]entry
}

// Option applies a configuration option to the Resolver.
type Option func(*Resolver)

// WithLogger sets a custom logger for the resolver.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a batch-scoped resolver over dir.
func New(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{
		dir:    dir,
		logger: logger.Get().Named("target"),
		cache:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the owner's active target for year.
// Errors wrap model.ErrTargetNotFound unless the context ended.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, year int) (Resolution, error) {
	key := fmt.Sprintf("%s/%d", ownerID, year)

	r.mu.Lock()
	if e, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return e.res, e.err
	}
	r.mu.Unlock()

	res, err := r.lookup(ctx, ownerID, year)
	if err != nil && ctx.Err() != nil {
		// Do not cache an interrupted lookup.
		return Resolution{}, ctx.Err()
	}

	r.mu.Lock()
	r.cache[key] = entry{res: res, err: err}
	r.mu.Unlock()
	return res, err
}

func (r *Resolver) lookup(ctx context.Context, ownerID string, year int) (Resolution, error) {
	owner, err := r.dir.ResolveOwner(ctx, ownerID)
	if err != nil {
		metrics.RecordDirectoryError("resolve_owner")
		r.logger.Debug(ctx, "owner lookup failed", logger.String("owner_id", ownerID), logger.Error(err))
		return Resolution{}, notFound(fmt.Sprintf("owner %q: %v", ownerID, err), err)
	}

	tgt, err := r.dir.ResolveTarget(ctx, ownerID, year)
	if err != nil {
		metrics.RecordDirectoryError("resolve_target")
		return Resolution{}, notFound(fmt.Sprintf("no target for owner %q in %d", ownerID, year), err)
	}

	if owner.TargetType != "" && tgt.Type != owner.TargetType {
		return Resolution{}, notFound(fmt.Sprintf("target type %s does not match owner target type %s", tgt.Type, owner.TargetType), nil)
	}
	if !tgt.Amount.IsPositive() {
		return Resolution{}, notFound(fmt.Sprintf("target amount for owner %q in %d must be positive", ownerID, year), nil)
	}
	return Resolution{Owner: owner, Target: tgt}, nil
}

// notFoundError carries a row-facing message and the directory cause.
type notFoundError struct {
	msg   string
	cause error
}

func notFound(msg string, cause error) error {
	return &notFoundError{msg: msg, cause: cause}
}

func (e *notFoundError) Error() string { return e.msg }

func (e *notFoundError) Is(target error) bool { return target == model.ErrTargetNotFound }

func (e *notFoundError) Unwrap() error { return e.cause }

// IsNotFound is a shorthand for errors.Is(err, model.ErrTargetNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, model.ErrTargetNotFound)
}
