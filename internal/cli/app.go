// app.go assembles the grading stack from config: model client, tools,
// caches, stores and the orchestrator.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/berth-dev/gradeloop/internal/cache"
	"github.com/berth-dev/gradeloop/internal/config"
	"github.com/berth-dev/gradeloop/internal/execute"
	"github.com/berth-dev/gradeloop/internal/grading"
	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/log"
	"github.com/berth-dev/gradeloop/internal/metrics"
	"github.com/berth-dev/gradeloop/internal/preprocess"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/session"
	"github.com/berth-dev/gradeloop/internal/tools"
)

// Output token limits per model call.
const (
	ocrMaxTokens        = 2048
	locatorMaxTokens    = 1024
	plannerMaxTokens    = 512
	reflectorMaxTokens  = 512
	aggregatorMaxTokens = 2048
)

// newClient builds the model backend. Tests replace it with a scripted client.
var newClient = func(cfg config.ModelConfig, logger *slog.Logger) (llm.Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("$%s is not set", cfg.APIKeyEnv)
	}
	return llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:            key,
		BaseURL:           cfg.BaseURL,
		Model:             cfg.VisionModel,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.RequestTimeout(),
		Logger:            logger,
	})
}

// app is one assembled grading stack. Close releases the stores.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	orchestrator *grading.Orchestrator
	store        session.Store
	audit        *log.Logger
	metrics      *metrics.Metrics
	closers      []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadConfig reads the project config and applies the --log-level override.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(dir)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func msDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return log.NewSlog(w, cfg.Log.Level, cfg.Log.JSON)
}

// openStore opens the configured session store.
func openStore(dir string, cfg *config.Config) (session.Store, error) {
	store, err := session.Open(cfg.Session.Backend, config.Resolve(dir, cfg.Session.Path), cfg.Session.TTL())
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return store, nil
}

// openCache opens the shared OCR and slice cache.
func openCache(dir string, cfg *config.Config) (cache.Cache, io.Closer, error) {
	switch cfg.Cache.Backend {
	case "badger":
		db, err := cache.OpenBadger(config.Resolve(dir, cfg.Cache.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("opening cache: %w", err)
		}
		return cache.NewBadger(db, cfg.Cache.TTL()), db, nil
	default:
		return cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.TTL()), nil, nil
	}
}

// buildApp wires the full stack for one CLI invocation.
func buildApp(dir string, cfg *config.Config, observer grading.Observer, logOut io.Writer) (*app, error) {
	logger := newLogger(cfg, logOut)
	a := &app{cfg: cfg, logger: logger, metrics: metrics.Default()}

	client, err := newClient(cfg.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("model backend: %w", err)
	}

	ocrFallbackModel := cfg.Model.OCRFallbackModel
	if ocrFallbackModel == "" {
		ocrFallbackModel = cfg.Model.TextModel
	}
	registry, err := tools.NewRegistry(
		tools.NewVisionOCR(tools.OCR, client, cfg.Model.VisionModel, ocrMaxTokens),
		tools.NewVisionOCR(tools.OCRFallback, client, ocrFallbackModel, ocrMaxTokens),
		tools.NewModelLocator(client, cfg.Model.VisionModel, locatorMaxTokens),
		tools.NewDetector(tools.DetectorConfig{
			MinAreaRatio: cfg.Preprocess.MinRegionArea,
			MaxRegions:   cfg.Preprocess.MaxSlicesPerPage,
		}),
	)
	if err != nil {
		return nil, err
	}

	shared, closer, err := openCache(dir, cfg)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}
	results := tools.NewResultCache(shared, cfg.Cache.TTL(), logger)

	policy := retry.Policy{
		MaxAttempts: cfg.Executor.MaxAttempts,
		BaseDelay:   msDuration(cfg.Executor.BaseBackoffMS),
		MaxDelay:    msDuration(cfg.Executor.MaxBackoffMS),
	}
	invoker := execute.NewInvoker(registry,
		execute.Config{Policy: policy, ToolTimeout: cfg.Executor.ToolTimeout()},
		execute.WithCache(results),
		execute.WithBreakers(execute.NewBreakers(cfg.Executor.BreakerThreshold, cfg.Executor.BreakerCooldown())),
		execute.WithMetrics(a.metrics),
		execute.WithLogger(logger),
	)

	pipeline := preprocess.New(invoker,
		tools.NewSlicer(tools.DirUploader{Dir: config.Resolve(dir, cfg.Preprocess.SliceDir)},
			tools.WithUploadPolicy(policy),
			tools.WithUploadTimeout(cfg.Executor.ToolTimeout())),
		results,
		preprocess.Config{MaxSlicesPerPage: cfg.Preprocess.MaxSlicesPerPage, MaxParallel: cfg.Executor.MaxParallel},
		a.metrics, logger)

	sessions, err := openStore(dir, cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.store = sessions
	a.closers = append(a.closers, sessions)

	audit, err := log.NewLogger(config.Resolve(dir, cfg.Log.Dir))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	a.audit = audit

	a.orchestrator = grading.NewOrchestrator(grading.Deps{
		Fetcher:  tools.DefaultFetcher(),
		Pipeline: pipeline,
		Planner: grading.NewPlanner(client, grading.PlannerConfig{
			Model:            cfg.Model.TextModel,
			MaxTokens:        plannerMaxTokens,
			MaxSteps:         cfg.Loop.MaxPlanSteps,
			FailureThreshold: cfg.Loop.ToolFailureThreshold,
		}, logger),
		Reflector:  grading.NewReflector(client, cfg.Model.TextModel, reflectorMaxTokens, logger),
		Aggregator: grading.NewAggregator(client, cfg.Model.VisionModel, aggregatorMaxTokens, logger),
		Store:      sessions,
		Audit:      audit,
		Metrics:    a.metrics,
		Logger:     logger,
		Observer:   observer,
	}, grading.Config{
		MaxIterations:       cfg.Loop.Iterations(),
		ConfidenceThreshold: cfg.Loop.ConfidenceThreshold,
		MaxTokens:           cfg.Loop.MaxTokens,
		Timeout:             cfg.Loop.Timeout(),
		FinalizeTimeout:     cfg.Loop.FinalizeTimeout(),
		MaxParallel:         cfg.Executor.MaxParallel,
	})
	return a, nil
}
