// Command audiosum runs the summarization pipeline: HTTP API, outbox relay and the
// stage consumers selected in the configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/audiosum/internal/app/appctx"
	"github.com/coachpo/audiosum/internal/app/outbox"
	"github.com/coachpo/audiosum/internal/app/pipeline"
	"github.com/coachpo/audiosum/internal/app/tasks"
	"github.com/coachpo/audiosum/internal/infra/audio/ffmpeg"
	"github.com/coachpo/audiosum/internal/infra/config"
	"github.com/coachpo/audiosum/internal/infra/documents"
	"github.com/coachpo/audiosum/internal/infra/llm"
	httpserver "github.com/coachpo/audiosum/internal/infra/server/http"
	"github.com/coachpo/audiosum/internal/infra/speech"
	"github.com/coachpo/audiosum/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultEnvFile           = ".env"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	runnerShutdownTimeout    = 15 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	contextShutdownTimeout   = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPath, envFile := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appCfg, err := config.Load(ctx, filepath.Clean(cfgPath), envFile)
	if err != nil {
		fatal(fmt.Errorf("load config: %w", err))
	}
	logger, err := observability.NewZapLogger(appCfg.Logging.Mode)
	if err != nil {
		fatal(err)
	}
	stages, err := appCfg.Pipeline.EnabledStages()
	if err != nil {
		fatal(err)
	}

	app, err := appctx.New(ctx, appCfg, logger)
	if err != nil {
		logger.Error("initialise application context", observability.F("error", err.Error()))
		_ = logger.Sync()
		os.Exit(1)
	}

	runner, err := startRunner(ctx, app, stages)
	if err != nil {
		logger.Error("start pipeline", observability.F("error", err.Error()))
		_ = app.Close(context.Background())
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	if slices.Contains(stages, config.StageOutbox) {
		worker := outbox.NewWorker(app.DB.Outbox, app.DB.Tx, outbox.NewRouter(app.Bus), outbox.Config{
			BatchSize:    appCfg.Outbox.BatchSize,
			IdleInterval: appCfg.Outbox.IdleInterval,
		}, logger.With(observability.F("component", "outbox")), outbox.WithDeadLetterQueue(app.DeadLetter))
		lifecycle.Go(func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", observability.F("error", err.Error()))
			}
		})
	}

	var apiServer *http.Server
	if slices.Contains(stages, config.StageAPI) {
		apiServer = buildAPIServer(app)
		lifecycle.Go(func() {
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server", observability.F("error", err.Error()))
			}
		})
		logger.Info("api listening", observability.F("addr", apiServer.Addr))
	}

	logger.Info("audiosum started", observability.F("stages", stageNames(stages)))
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	start := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		runner:     runner,
		lifecycle:  &lifecycle,
		app:        app,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", defaultConfigPath, "Path to application configuration file")
	envFile := flag.String("env", defaultEnvFile, "Optional dotenv file with secrets")
	flag.Parse()
	return *cfgPath, *envFile
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func stageNames(stages []config.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, string(s))
	}
	return out
}

func startRunner(ctx context.Context, app *appctx.Context, stages []config.Stage) (*pipeline.Runner, error) {
	cfg := app.Config
	runner, err := pipeline.NewRunner(app.Bus, cfg.Pipeline.Concurrency, app.Logger.With(observability.F("component", "pipeline")))
	if err != nil {
		return nil, err
	}
	routes, err := buildRoutes(ctx, app, stages)
	if err != nil {
		return nil, err
	}
	for _, route := range routes {
		if err := runner.Register(route); err != nil {
			return nil, err
		}
	}
	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}

func buildRoutes(ctx context.Context, app *appctx.Context, stages []config.Stage) ([]pipeline.Route, error) {
	cfg := app.Config
	db := app.DB
	tool := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:  cfg.Pipeline.FFmpegPath,
		FFprobePath: cfg.Pipeline.FFprobePath,
		TempDir:     cfg.Pipeline.TempDir,
	}, nil)

	var routes []pipeline.Route
	for _, stage := range stages {
		logger := app.Logger.With(observability.F("stage", string(stage)))
		switch stage {
		case config.StageProgress:
			routes = append(routes, pipeline.NewProgress(db.Tasks, db.Tx, logger).Routes()...)
		case config.StageRecorder:
			routes = append(routes, pipeline.NewRecorder(db.Tasks, db.Transcriptions, db.Outbox, db.Tx, cfg.Outbox.MaxAttempts, logger).Route())
		case config.StageSummarizer:
			completer, err := llm.New(ctx, llm.Config{
				Provider:          cfg.LLM.Provider,
				Model:             cfg.LLM.Model,
				APIKey:            cfg.LLM.APIKey,
				BaseURL:           cfg.LLM.BaseURL,
				RequestsPerSecond: cfg.LLM.RequestsPerSecond,
				Timeout:           cfg.LLM.Timeout,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("llm: %w", err)
			}
			routes = append(routes, pipeline.NewSummarizer(pipeline.SummarizerDeps{
				Tasks:          db.Tasks,
				Transcriptions: db.Transcriptions,
				Summaries:      db.Summaries,
				Outbox:         db.Outbox,
				Tx:             db.Tx,
				LLM:            completer,
				Compilers:      documents.NewSet(documents.Config{FontPath: cfg.Documents.FontPath, TempDir: cfg.Pipeline.TempDir}),
				Blobs:          app.Blobs,
				PartSize:       cfg.Storage.PartSize,
				MaxAttempts:    cfg.Outbox.MaxAttempts,
				Logger:         logger,
			}).Route())
		case config.StageTranscriber:
			client, err := speech.NewClient(speech.Config{
				BaseURL:           cfg.Speech.BaseURL,
				AuthURL:           cfg.Speech.AuthURL,
				ClientID:          cfg.Speech.ClientID,
				ClientSecret:      cfg.Speech.ClientSecret,
				Scope:             cfg.Speech.Scope,
				RequestsPerSecond: cfg.Speech.RequestsPerSecond,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("speech: %w", err)
			}
			routes = append(routes, pipeline.NewTranscriber(client, app.Bus, pipeline.TranscriberConfig{
				Model:        cfg.Speech.Model,
				Language:     cfg.Speech.Language,
				Diarization:  cfg.Speech.Diarization,
				SpeakerCount: cfg.Speech.SpeakerCount,
				PollInterval: cfg.Speech.PollInterval,
				Timeout:      cfg.Speech.Timeout,
			}, logger, pipeline.WithRecordedSegments(db.Transcriptions)).Route())
		case config.StageEnhancer:
			routes = append(routes, pipeline.NewEnhancer(tool, app.Bus, logger).Route())
		case config.StageSplitter:
			routes = append(routes, pipeline.NewSplitter(db.Records, app.Blobs, tool, app.Bus, pipeline.SplitterConfig{
				SegmentDuration: cfg.Pipeline.SegmentDuration,
				PartSize:        cfg.Storage.PartSize,
			}, logger).Route())
		}
	}
	return routes, nil
}

func buildAPIServer(app *appctx.Context) *http.Server {
	cfg := app.Config
	svc := tasks.NewService(tasks.Deps{
		Tasks:       app.DB.Tasks,
		Summaries:   app.DB.Summaries,
		Records:     app.DB.Records,
		Outbox:      app.DB.Outbox,
		Tx:          app.DB.Tx,
		Blobs:       app.Blobs,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		PresignTTL:  cfg.Storage.PresignTTL,
		Logger:      app.Logger.With(observability.F("component", "tasks")),
	})
	return &http.Server{
		Addr: cfg.APIServer.Addr,
		Handler: httpserver.NewHandler(httpserver.Options{
			Environment: cfg.Environment,
			Service:     svc,
			Ready:       app.Ready,
			Logger:      app.Logger.With(observability.F("component", "api")),
		}),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	runner     *pipeline.Runner
	lifecycle  *conc.WaitGroup
	app        *appctx.Context
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Error("shutdown step failed", observability.F("step", name), observability.F("error", err.Error()))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.runner != nil {
		shutdownStep("stopping pipeline", runnerShutdownTimeout, cfg.runner.Stop)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.app != nil {
		shutdownStep("closing application context", contextShutdownTimeout, cfg.app.Close)
	}
}
