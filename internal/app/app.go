// Package app wires configuration into a running engine. The CLI and the
// MCP server share it, so both surfaces see the same components.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/auditlog"
	"github.com/roach88/epistemic/internal/calibration"
	"github.com/roach88/epistemic/internal/config"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/evidence"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/logging"
	"github.com/roach88/epistemic/internal/memory"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/policy"
	"github.com/roach88/epistemic/internal/resolver"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
)

// App holds every wired component.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Registry    *prometheus.Registry
	Metrics     *metrics.Metrics
	Backend     *storage.Backend
	Resolver    *resolver.Resolver
	Calibration *calibration.Engine
	Verifier    *calibration.Verifier
	Engine      *engine.Engine
	Gate        *policy.Gate

	memory *memory.FTSIndex
	redis  *redis.Client
}

type options struct {
	logger    *zap.Logger
	clock     engine.Clock
	ids       engine.IDGenerator
	auditLog  auditlog.Log
	collector evidence.Collector
	launch    LaunchFunc
}

// Option overrides a component, mostly for tests and the scenario runner.
type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c engine.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithAuditLog replaces the configured audit log backend.
func WithAuditLog(l auditlog.Log) Option {
	return func(o *options) { o.auditLog = l }
}

// WithCollector replaces the source collector. Evidence must be enabled.
func WithCollector(c evidence.Collector) Option {
	return func(o *options) { o.collector = c }
}

// LaunchFunc starts verification of a closed transaction outside the
// current process.
type LaunchFunc func(ctx context.Context, transactionID string) error

// WithDetachedVerification hands POSTFLIGHT verification to launch instead
// of a goroutine, so a short-lived process can exit without waiting for
// evidence. A transaction whose launch fails stays queued.
func WithDetachedVerification(launch LaunchFunc) Option {
	return func(o *options) { o.launch = launch }
}

// Open builds an App from cfg. Close releases it.
func Open(cfg *config.Config, opts ...Option) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{clock: engine.SystemClock{}, ids: engine.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}

	a = &App{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if o.logger != nil {
		a.Logger = o.logger
	} else if a.Logger, err = logging.New(cfg.Logging); err != nil {
		return nil, err
	}
	a.Metrics = metrics.New(a.Registry)

	if err := ensureDir(cfg.Storage.DBPath); err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Storage.DBPath,
		store.WithLogger(a.Logger.Named("store")),
		store.WithRetryHook(a.Metrics.StorageRetry))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	log := o.auditLog
	if log == nil {
		if log, err = a.auditLog(cfg.Audit); err != nil {
			s.Close()
			return nil, err
		}
	}

	a.Backend = storage.New(s,
		storage.WithAuditLog(log),
		storage.WithExportDir(cfg.Storage.ExportDir),
		storage.WithThresholdDefaults(ir.Thresholds{Know: cfg.Thresholds.Know, Uncertainty: cfg.Thresholds.Uncertainty}),
		storage.WithLogger(a.Logger.Named("storage")),
		storage.WithMetrics(a.Metrics),
		storage.WithNow(o.clock.Now))

	mapper, err := evidence.LoadMapper(cfg.Evidence.RulesFile)
	if err != nil {
		return nil, err
	}
	calOpts := []calibration.Option{
		calibration.WithMapper(mapper),
		calibration.WithLogger(a.Logger.Named("calibration")),
		calibration.WithNow(o.clock.Now),
	}
	if cfg.Calibration.Window > 0 {
		calOpts = append(calOpts, calibration.WithWindow(cfg.Calibration.Window))
	}
	a.Calibration = calibration.New(a.Backend, calOpts...)
	a.Resolver = resolver.New(s, resolver.WithLogger(a.Logger.Named("resolver")), resolver.WithNow(o.clock.Now))

	engOpts := []engine.Option{
		engine.WithClock(o.clock),
		engine.WithIDGenerator(o.ids),
		engine.WithAntiGaming(cfg.AntiGaming.Enabled, cfg.AntiGaming.MinWindow),
		engine.WithLogger(a.Logger.Named("engine")),
		engine.WithMetrics(a.Metrics),
	}
	if cfg.Evidence.Enabled {
		collector := o.collector
		if collector == nil {
			collector = evidence.NewSourceCollector(s, sources(s, cfg.Evidence),
				evidence.WithTimeout(cfg.Evidence.Timeout),
				evidence.WithLogger(a.Logger.Named("evidence")),
				evidence.WithNow(o.clock.Now))
		}
		a.Verifier = calibration.NewVerifier(collector, a.Calibration,
			calibration.WithVerifyTimeout(cfg.Evidence.Timeout),
			calibration.WithVerifierLogger(a.Logger.Named("verifier")),
			calibration.WithVerifierMetrics(a.Metrics))
		var trigger engine.Verifier = a.Verifier
		if o.launch != nil {
			trigger = launcher{launch: o.launch, logger: a.Logger.Named("verifier")}
		}
		engOpts = append(engOpts, engine.WithVerifier(trigger))
	}
	if cfg.Memory.Enabled {
		if err := ensureDir(cfg.Memory.Path); err != nil {
			return nil, err
		}
		if a.memory, err = memory.OpenFTS(cfg.Memory.Path); err != nil {
			return nil, err
		}
		engOpts = append(engOpts, engine.WithMemory(a.memory))
	}
	a.Engine = engine.New(a.Backend, a.Resolver, a.Calibration, engOpts...)

	mode, err := policy.ParseMode(cfg.Gate.Mode)
	if err != nil {
		return nil, err
	}
	a.Gate = policy.NewGate(a.Engine,
		policy.WithMode(mode),
		policy.WithClassifier(policy.NewClassifier(cfg.Gate.NoeticTools, cfg.Gate.PraxicTools)),
		policy.WithLogger(a.Logger.Named("gate")),
		policy.WithMetrics(a.Metrics))

	a.Logger.Debug("engine ready",
		zap.String("db", cfg.Storage.DBPath),
		zap.String("audit", log.Name()),
		zap.Bool("evidence", cfg.Evidence.Enabled),
		zap.Bool("memory", cfg.Memory.Enabled))
	return a, nil
}

func (a *App) auditLog(cfg config.AuditConfig) (auditlog.Log, error) {
	switch cfg.Backend {
	case "memory":
		return auditlog.NewMemory(), nil
	case "git":
		return auditlog.NewGitRefs(cfg.GitDir)
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		var ropts []auditlog.RedisOption
		if cfg.Redis.Stream != "" {
			ropts = append(ropts, auditlog.WithStream(cfg.Redis.Stream))
		}
		if cfg.Redis.KeyPrefix != "" {
			ropts = append(ropts, auditlog.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		return auditlog.NewRedis(a.redis, ropts...), nil
	}
	return auditlog.Noop{}, nil
}

func sources(s *store.Store, cfg config.EvidenceConfig) []evidence.Source {
	ps := []evidence.Source{
		evidence.GoalSource{Store: s},
		evidence.ArtifactSource{Store: s},
	}
	if len(cfg.TestCommand) > 0 {
		ps = append(ps, evidence.TestSource{Command: cfg.TestCommand})
	}
	if cfg.Diff {
		ps = append(ps, evidence.DiffSource{})
	}
	return ps
}

// launcher is the engine.Verifier for detached verification.
type launcher struct {
	launch LaunchFunc
	logger *zap.Logger
}

func (l launcher) Trigger(ctx context.Context, transactionID string) {
	if err := l.launch(ctx, transactionID); err != nil {
		l.logger.Warn("could not launch verification; it stays queued",
			zap.String("transaction_id", transactionID), zap.Error(err))
		return
	}
	l.logger.Debug("verification launched", zap.String("transaction_id", transactionID))
}

// Close waits for background verification, then releases every resource.
func (a *App) Close() error {
	if a.Verifier != nil {
		a.Verifier.Wait()
	}
	var errs []error
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Backend != nil {
		errs = append(errs, a.Backend.Close())
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

// Flush re-publishes pending audit log writes.
func (a *App) Flush(ctx context.Context) (storage.FlushReport, error) {
	return a.Backend.Flush(ctx)
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	return nil
}
