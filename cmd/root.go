package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/okian/tally/internal/adapters/directory"
	"github.com/okian/tally/internal/adapters/repository"
	service "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/config"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

var errNeedsPostgres = errors.New("command requires the postgres store")

// env is what every subcommand runs against. It is built once per invocation.
type env struct {
	out     io.Writer
	cfg     *config.Config
	log     logger.Logger
	store   repository.Store
	pg      *repository.PostgresStore
	svc     *service.Service
	closers []func()

	configPath  string
	metricsFile string
}

// run executes one CLI invocation. Resources opened for it are released
// whether or not the command succeeds.
func run(ctx context.Context, out io.Writer, args []string) error {
	e := &env{out: out}
	root := newRootCmd(e)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, e.close())
}

func newRootCmd(e *env) *cobra.Command {

	root := &cobra.Command{
		Use:           "tally",
		Short:         "Import placement sheets and reconcile recruiter incentives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.open(cmd.Context())
		},
	}
	root.SetOut(e.out)
	root.PersistentFlags().StringVar(&e.configPath, "config", "", "YAML config file (defaults to $"+config.EnvPrefix+"CONFIG)")
	root.PersistentFlags().StringVar(&e.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")

	root.AddCommand(
		newImportCmd(e),
		newRecomputeCmd(e),
		newPayCmd(e),
		newBatchCmd(e),
		newMigrateCmd(e),
	)
	return root
}

func (e *env) open(ctx context.Context) error {
	var (
		cfg *config.Config
		err error
	)
	if e.configPath != "" {
		cfg, err = config.LoadFile(e.configPath)
	} else {
		cfg, err = config.Load(ctx)
	}
	if err != nil {
		return err
	}
	e.cfg = cfg

	if err := logger.SetFormat(cfg.LogFormat); err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if err := logger.Init(); err != nil {
		return err
	}
	e.log = logger.Get().Named("cli")
	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		e.log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := e.openStore(ctx); err != nil {
		return err
	}

	dir := directory.New(nil)
	if cfg.DirectoryPath != "" {
		if dir, err = directory.Load(cfg.DirectoryPath); err != nil {
			return err
		}
	} else {
		e.log.Warn(ctx, "no directory_path configured; every owner will be unknown")
	}

	opts, err := service.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	e.svc = service.New(append(opts,
		service.WithStore(e.store),
		service.WithDirectory(dir),
		service.WithLogger(logger.Get().Named("engine")),
	)...)
	return nil
}

func (e *env) openStore(ctx context.Context) error {
	switch e.cfg.Store {
	case config.StorePostgres:
		pool, err := repository.Connect(ctx, e.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
		e.closers = append(e.closers, pool.Close)
		e.pg = repository.NewPostgresStore(pool, repository.WithSchema(e.cfg.DatabaseSchema))
		e.store = e.pg
	default:
		e.log.Warn(ctx, "using the in-memory store; nothing outlives this process")
		e.store = repository.NewMemoryStore()
	}
	return nil
}

func (e *env) close() error {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
	if e.metricsFile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(e.metricsFile, metrics.GetRegistry()); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
