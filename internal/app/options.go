package service

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/okian/tally/internal/adapters/audit"
	"github.com/okian/tally/internal/adapters/repository"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/incentive"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the persistence backend.
func WithStore(store repository.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
		}
	}
}

// WithDirectory sets the owner directory.
func WithDirectory(dir Directory) Option {
	return func(s *Service) {
		if dir != nil {
			s.directory = dir
		}
	}
}

// WithAuditSink sets where batch completion events go.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) {
		if sink != nil {
			s.audit = sink
		}
	}
}

// WithSlabTable sets the incentive tiers.
func WithSlabTable(t *incentive.SlabTable) Option {
	return func(s *Service) {
		s.policy.Slabs = t
	}
}

// WithFXRate sets the default USD->INR rate.
func WithFXRate(rate decimal.Decimal) Option {
	return func(s *Service) {
		s.policy.FXRate = rate
	}
}

// WithSplitPolicy sets how TEAM split incentives are treated.
func WithSplitPolicy(policy string) Option {
	return func(s *Service) {
		if policy != "" {
			s.policy.SplitPolicy = policy
		}
	}
}

// WithBillingStatuses sets the accepted billing statuses and whether each counts toward targets.
func WithBillingStatuses(statuses map[string]bool) Option {
	return func(s *Service) {
		if len(statuses) == 0 {
			return
		}
		s.policy.Qualifying = make(map[string]bool, len(statuses))
		for k, v := range statuses {
			s.policy.Qualifying[model.NormalizeCode(k)] = v
		}
	}
}

// WithPlacementTypes sets the accepted placement types.
func WithPlacementTypes(types ...string) Option {
	return func(s *Service) {
		if len(types) > 0 {
			s.placementTypes = append([]string(nil), types...)
		}
	}
}

// WithCollectionStatuses sets the accepted collection statuses.
func WithCollectionStatuses(statuses ...string) Option {
	return func(s *Service) {
		if len(statuses) > 0 {
			s.collectionStatuses = append([]string(nil), statuses...)
		}
	}
}

// WithWorkerCount sets the number of parse/validate workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithLaneLimit sets how many owner lanes are calculated at once.
func WithLaneLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.laneLimit = limit
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source for batch timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator sets how batch and row ids are minted.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// OptionsFromConfig turns a validated config into service options. The store,
// directory and audit sink are left to the caller.
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	tiers := make([]incentive.Tier, 0, len(cfg.Slabs))
	for i, sl := range cfg.Slabs {
		minPercent, err := decimal.NewFromString(sl.MinPercent)
		if err != nil {
			return nil, fmt.Errorf("%w: slabs[%d].min_percent: %v", config.ErrInvalidConfig, i, err)
		}
		rate, err := decimal.NewFromString(sl.Rate)
		if err != nil {
			return nil, fmt.Errorf("%w: slabs[%d].rate: %v", config.ErrInvalidConfig, i, err)
		}
		tiers = append(tiers, incentive.Tier{Name: sl.Name, MinPercent: minPercent, Rate: rate})
	}

	var ceiling *decimal.Decimal
	if cfg.SlabCeiling != "" {
		c, err := decimal.NewFromString(cfg.SlabCeiling)
		if err != nil {
			return nil, fmt.Errorf("%w: slab_ceiling: %v", config.ErrInvalidConfig, err)
		}
		ceiling = &c
	}
	table, err := incentive.NewSlabTable(tiers, incentive.Mode(cfg.SlabMode), ceiling)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	fx := decimal.Zero
	if cfg.DefaultFXRate != "" {
		if fx, err = decimal.NewFromString(cfg.DefaultFXRate); err != nil {
			return nil, fmt.Errorf("%w: default_fx_rate: %v", config.ErrInvalidConfig, err)
		}
	}

	return []Option{
		WithSlabTable(table),
		WithFXRate(fx),
		WithSplitPolicy(cfg.SplitPolicy),
		WithBillingStatuses(maps.Clone(cfg.BillingStatuses)),
		WithPlacementTypes(cfg.PlacementTypes...),
		WithCollectionStatuses(cfg.CollectionStatuses...),
		WithWorkerCount(cfg.WorkerCount),
		WithLaneLimit(cfg.LaneLimit),
	}, nil
}
