package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmlite/swarmlite/pkg/config"
	"github.com/swarmlite/swarmlite/pkg/engine"
	"github.com/swarmlite/swarmlite/pkg/executor"
	"github.com/swarmlite/swarmlite/pkg/policy"
	"github.com/swarmlite/swarmlite/pkg/stores"
	"github.com/swarmlite/swarmlite/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// app holds the components a command needs. Parts are opened on demand and
// released by close.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger

	store      *stores.SQLiteStore
	governance *policy.Engine
	registry   *engine.CompensationRegistry
	parser     *config.Parser
}

// loadSettings reads the environment and applies any flags that were set.
func loadSettings(opts *globalOptions) (*config.Settings, error) {
	s, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}

	if opts.dbPath != "" {
		s.DatabasePath = opts.dbPath
	}
	if opts.governancePath != "" {
		s.GovernancePath = opts.governancePath
	}
	if opts.logLevel != "" {
		s.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		s.LogFormat = opts.logFormat
	}
	if opts.metricsAddr != "" {
		s.MetricsAddr = opts.metricsAddr
	}
	if opts.tracingExporter != "" {
		s.TracingExporter = opts.tracingExporter
	}
	if opts.otlpEndpoint != "" {
		s.OTLPEndpoint = opts.otlpEndpoint
	}
	if opts.parallelism > 0 {
		s.Parallelism = opts.parallelism
	}
	if opts.requireSignatures {
		s.RequireSignatures = true
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func telemetryConfig(s *config.Settings, version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.LogLevel
	cfg.Logging.Format = s.LogFormat
	cfg.Metrics.ListenAddress = s.MetricsAddr
	if s.TracingExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = s.TracingExporter
		cfg.Tracing.Endpoint = s.OTLPEndpoint
	}
	return cfg
}

func newApp(opts *globalOptions) (*app, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings, opts.version))
	if err != nil {
		return nil, engine.NewConfigurationError("failed to initialize telemetry", err)
	}

	a := &app{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
		registry: engine.NewCompensationRegistry(),
	}
	a.parser = config.NewParser(a.logger, a.registry)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:          a.settings.DatabasePath,
		SigningSecret: a.settings.AuditSecretKey,
	}, stores.WithLogger(a.logger))
	if err != nil {
		return engine.NewConfigurationError("invalid state store configuration", err)
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	return nil
}

func (a *app) openGovernance(ctx context.Context) error {
	gov, err := policy.NewEngineFromFile(ctx, a.settings.GovernancePath, a.logger,
		policy.WithEventPublisher(a.tel.Events),
	)
	if err != nil {
		return err
	}
	a.governance = gov
	return nil
}

// newEngine wires the executor, store and governance into an orchestrator.
// openStore and openGovernance must have succeeded.
func (a *app) newEngine() *engine.Engine {
	exec := executor.New(a.logger,
		executor.WithMetrics(a.tel.Metrics),
		executor.WithTracer(a.tel.Tracer.Tracer()),
	)
	return engine.NewEngine(exec, a.store, a.governance,
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.tel.Metrics),
		engine.WithTracer(a.tel.Tracer.Tracer()),
		engine.WithParallelism(a.settings.Parallelism),
	)
}

func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
