package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cadflow/cadflow/pkg/config"
	"github.com/cadflow/cadflow/pkg/convert"
	cferrors "github.com/cadflow/cadflow/pkg/errors"
	"github.com/cadflow/cadflow/pkg/formats"
	"github.com/cadflow/cadflow/pkg/journal"
	"github.com/cadflow/cadflow/pkg/kernel/native"
	"github.com/cadflow/cadflow/pkg/logger"
	"github.com/cadflow/cadflow/pkg/registry"
	"github.com/cadflow/cadflow/pkg/settings"
	"github.com/cadflow/cadflow/pkg/storage"
	"github.com/cadflow/cadflow/pkg/telemetry"
	"github.com/cadflow/cadflow/pkg/tui"
)

// app holds the services shared by every command. It is built once by the
// root command's pre-run hook.
var app *App

type appOptions struct {
	configFile string
	verbose    bool
	logLevel   string
	noJournal  bool
}

// App is the wired process: configuration, registry, storage, settings,
// telemetry, journal and the conversion service.
type App struct {
	configs   *config.Manager
	cfg       *config.Config
	log       *logger.Logger
	reg       *registry.Registry
	storage   *storage.Resolver
	settings  *settings.Store
	telemetry *telemetry.Provider
	tracer    trace.Tracer
	journal   *journal.Journal
	svc       *convert.Service
	out       *tui.Printer
}

func newApp(ctx context.Context, opts appOptions) (*App, error) {
	a := &App{configs: config.NewManager(), out: tui.NewPrinter(os.Stdout)}
	if err := a.init(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts appOptions) (err error) {
	if err := a.configs.Load(opts.configFile); err != nil {
		return err
	}
	a.cfg = a.configs.Get()

	logCfg := a.cfg.Log
	if opts.verbose {
		logCfg.Level = "debug"
	}
	if opts.logLevel != "" {
		logCfg.Level = opts.logLevel
	}
	if a.log, err = logger.New(logCfg); err != nil {
		return err
	}
	slog.SetDefault(a.log.Logger)

	a.reg = registry.New(
		registry.WithSampleSize(a.cfg.Pipeline.SampleSize),
		registry.WithLogger(a.log.Named("registry")),
	)
	if err := formats.RegisterAll(a.reg, native.New()); err != nil {
		return err
	}
	a.storage = storage.NewResolver(a.cfg.Storage.S3)

	backend, err := a.settingsBackend(ctx)
	if err != nil {
		return err
	}
	a.settings = settings.NewStore(a.reg, backend, a.log.Named("settings"))
	if err := a.settings.Load(ctx); err != nil && cferrors.GetCode(err) == cferrors.CodeUnknown {
		return err
	}

	if a.cfg.Telemetry.Enabled {
		tc := telemetry.DefaultConfig(a.cfg.Telemetry.ServiceName)
		tc.Endpoint = a.cfg.Telemetry.Endpoint
		tc.Insecure = a.cfg.Telemetry.Insecure
		tc.SamplingRatio = a.cfg.Telemetry.SamplingRatio
		tc.ServiceVersion = version
		a.telemetry = telemetry.New(tc)
		if err := a.telemetry.Start(ctx); err != nil {
			return fmt.Errorf("start telemetry: %w", err)
		}
		a.tracer = a.telemetry.Tracer("cadflow")
	}

	if a.cfg.Journal.Enabled && !opts.noJournal {
		if a.journal, err = a.openJournal(ctx); err != nil {
			return err
		}
	}

	copts := convert.Options{
		Registry:     a.reg,
		Storage:      a.storage,
		Kernel:       native.New(),
		Logger:       a.log.Named("convert"),
		Tracer:       a.tracer,
		Workers:      a.cfg.Pipeline.Workers,
		AllOrNothing: a.cfg.Pipeline.AllOrNothing,
		Timeout:      a.cfg.Pipeline.Timeout,
		Generator:    "cadflow " + version,
	}
	if a.journal != nil {
		copts.Journal = a.journal
	}
	a.svc = convert.New(copts)
	return nil
}

func (a *App) settingsBackend(ctx context.Context) (settings.Backend, error) {
	sc := a.cfg.Settings
	switch sc.Backend {
	case "", "file":
		return settings.NewFileBackend(sc.Path), nil
	case "redis":
		rc := settings.DefaultRedisConfig(sc.Redis.Addr)
		rc.Password = sc.Redis.Password
		rc.Database = sc.Redis.DB
		if sc.Redis.KeyPrefix != "" {
			rc.Prefix = sc.Redis.KeyPrefix
		}
		return settings.NewRedisBackend(ctx, rc)
	default:
		return nil, fmt.Errorf("unknown settings backend %q (want file or redis)", sc.Backend)
	}
}

func (a *App) openJournal(ctx context.Context) (*journal.Journal, error) {
	jc := a.cfg.Journal
	if jc.Driver == "duckdb" && jc.DSN != "" {
		if err := os.MkdirAll(filepath.Dir(jc.DSN), 0o755); err != nil {
			return nil, err
		}
	}
	return journal.Open(ctx, jc.Driver, jc.DSN)
}

// requireJournal returns the journal, opening it even when recording is
// disabled, for commands that only read the history.
func (a *App) requireJournal(ctx context.Context) (*journal.Journal, error) {
	if a.journal != nil {
		return a.journal, nil
	}
	j, err := a.openJournal(ctx)
	if err != nil {
		return nil, err
	}
	a.journal = j
	return j, nil
}

func (a *App) close() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.log.Warn("telemetry shutdown", "error", err)
		}
		cancel()
	}
	if a.journal != nil {
		_ = a.journal.Close()
	}
	if a.settings != nil {
		_ = a.settings.Close()
	}
	if a.log != nil {
		_ = a.log.Close()
	}
}
