// Package config defines engine configuration structures and loading hooks.
//
// Conventions:
// - Defaults live in New(); Load layers a YAML file and TALLY_ env vars on top.
// - Monetary and percent values are strings so they decode exactly into decimals.
// - External errors must be wrapped via this package's error helpers.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Split policies for TEAM rows carrying co-recipients.
const (
	SplitPreDivided = "pre_divided"
	SplitDivide     = "divide"
)

// Slab modes.
const (
	SlabModeRate = "rate"
	SlabModeGate = "gate"
)

// Slab is one incentive tier as written in configuration.
type Slab struct {
	Name       string `koanf:"name"`
	MinPercent string `koanf:"min_percent"`
	Rate       string `koanf:"rate"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`

	// WorkerCount bounds the parse/validate stage pool.
	WorkerCount int `koanf:"worker_count"`

	// LaneLimit bounds how many owner lanes are calculated concurrently.
	LaneLimit int `koanf:"lane_limit"`

	// Store selects the persistence backend: memory or postgres.
	Store string `koanf:"store"`

	// DatabaseURL is the PostgreSQL connection string for the postgres store.
	DatabaseURL string `koanf:"database_url"`

	// DatabaseSchema is the schema holding the engine tables; empty means "tally".
	DatabaseSchema string `koanf:"database_schema"`

	// DirectoryPath points at the YAML owner/target directory.
	DirectoryPath string `koanf:"directory_path"`

	// DefaultFXRate is the USD->INR rate used when a batch carries none.
	DefaultFXRate string `koanf:"default_fx_rate"`

	// SplitPolicy decides whether TEAM split incentives are divided by the engine.
	SplitPolicy string `koanf:"split_policy"`

	// SlabMode is "rate" (tier rate scales the base) or "gate" (tier only gates eligibility).
	SlabMode string `koanf:"slab_mode"`

	// SlabCeiling caps percent achieved; empty means uncapped.
	SlabCeiling string `koanf:"slab_ceiling"`

	// Slabs lists the incentive tiers.
	Slabs []Slab `koanf:"slabs"`

	// BillingStatuses maps each known billing status to whether it counts toward targets.
	BillingStatuses map[string]bool `koanf:"billing_statuses"`

	// PlacementTypes lists the accepted placement types.
	PlacementTypes []string `koanf:"placement_types"`

	// CollectionStatuses lists the accepted collection statuses.
	CollectionStatuses []string `koanf:"collection_statuses"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:    "info",
		LogFormat:   "text",
		WorkerCount: runtime.NumCPU(),
		LaneLimit:   8,
		Store:       StoreMemory,
		SplitPolicy: SplitPreDivided,
		SlabMode:    SlabModeRate,
		Slabs: []Slab{
			{Name: "BASE", MinPercent: "0", Rate: "1"},
		},
		BillingStatuses: map[string]bool{
			"BILLED":    true,
			"PENDING":   true,
			"ON_HOLD":   false,
			"CANCELLED": false,
		},
		PlacementTypes:     []string{"PERMANENT", "CONTRACT", "CONTRACT_TO_HIRE"},
		CollectionStatuses: []string{"COLLECTED", "PARTIAL", "PENDING", "WRITTEN_OFF"},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: database_url is required for the postgres store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	switch c.SplitPolicy {
	case SplitPreDivided, SplitDivide:
	default:
		return fmt.Errorf("%w: unknown split_policy %q", ErrInvalidConfig, c.SplitPolicy)
	}
	switch c.SlabMode {
	case SlabModeRate, SlabModeGate:
	default:
		return fmt.Errorf("%w: unknown slab_mode %q", ErrInvalidConfig, c.SlabMode)
	}
	if c.DefaultFXRate != "" {
		if _, err := decimal.NewFromString(c.DefaultFXRate); err != nil {
			return fmt.Errorf("%w: default_fx_rate: %v", ErrInvalidConfig, err)
		}
	}
	if c.SlabCeiling != "" {
		if _, err := decimal.NewFromString(c.SlabCeiling); err != nil {
			return fmt.Errorf("%w: slab_ceiling: %v", ErrInvalidConfig, err)
		}
	}
	for i, s := range c.Slabs {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: slabs[%d]: name is required", ErrInvalidConfig, i)
		}
		if _, err := decimal.NewFromString(s.MinPercent); err != nil {
			return fmt.Errorf("%w: slabs[%d].min_percent: %v", ErrInvalidConfig, i, err)
		}
		if _, err := decimal.NewFromString(s.Rate); err != nil {
			return fmt.Errorf("%w: slabs[%d].rate: %v", ErrInvalidConfig, i, err)
		}
	}
	if len(c.BillingStatuses) == 0 {
		return fmt.Errorf("%w: billing_statuses must not be empty", ErrInvalidConfig)
	}
	if len(c.PlacementTypes) == 0 {
		return fmt.Errorf("%w: placement_types must not be empty", ErrInvalidConfig)
	}
	return nil
}
