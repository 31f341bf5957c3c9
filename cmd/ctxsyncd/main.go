package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/unheardhq/ctxsync/internal/config"
	"github.com/unheardhq/ctxsync/internal/contentstore"
	"github.com/unheardhq/ctxsync/internal/ctxsync"
	"github.com/unheardhq/ctxsync/internal/httpapi"
	"github.com/unheardhq/ctxsync/internal/remotesync"
	"github.com/unheardhq/ctxsync/internal/watch"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to config file")
	listen := flag.String("listen", "", "listen address override")
	logLevel := flag.String("log-level", "", "log level override (trace..error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ctxsyncd: %v\n", err)
		os.Exit(1)
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.Listen = *listen
	}
	if strings.TrimSpace(*logLevel) != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ctxsyncd: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.EqualFold(strings.TrimSpace(cfg.Profile), config.ProfileDurableLocal) {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
	}

	stateBackend, err := ctxsync.BuildStateBackendFromDSN(cfg.EffectiveStateDSN())
	if err != nil {
		return err
	}
	retryQueue, err := ctxsync.BuildRetryQueueFromDSN(cfg.EffectiveRetryQueueDSN(), cfg.QueueCapacity)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}

	var git ctxsync.Committer
	if cfg.GitCommit {
		git = contentstore.NewGitCommitter(&log)
	}

	store, err := ctxsync.NewStore(ctxsync.StoreOptions{
		OwnerID:        cfg.OwnerID,
		Publisher:      publisher,
		Git:            git,
		RetryQueue:     retryQueue,
		StateBackend:   stateBackend,
		MaxConcurrent:  cfg.Concurrency,
		PendingLimit:   cfg.QueueCapacity,
		PublishTimeout: cfg.PublishTimeout,
		RetryBase:      cfg.RetryBase,
		RetryCap:       cfg.RetryCap,
		Logger:         &log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	var reconciler httpapi.Reconciler
	var reconcileLoop *remotesync.Reconciler
	if strings.EqualFold(strings.TrimSpace(cfg.Publisher.Kind), "http") && strings.TrimSpace(cfg.Project.ID) != "" {
		client := remotesync.NewHTTPClient(cfg.Publisher.URL, cfg.Publisher.Token, nil)
		rec, err := remotesync.NewReconciler(client, store, remotesync.ReconcilerOptions{
			ProjectID:   cfg.Project.ID,
			ProjectRoot: cfg.Project.Root,
			Logger:      &log,
		})
		if err != nil {
			return err
		}
		reconciler = rec
		reconcileLoop = rec
	}

	server := httpapi.NewServer(store, reconciler, httpapi.Config{
		AuthToken: cfg.AuthToken,
		Logger:    &log,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("ctxsyncd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Watch.Enabled {
		watcher, err := watch.New(watch.Options{
			Dir:      cfg.Watch.Dir,
			Include:  cfg.Watch.Include,
			Ignore:   cfg.Watch.Ignore,
			Debounce: cfg.Watch.Debounce,
			Logger:   &log,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
		go consumeWatcher(rootCtx, watcher, store, cfg, log)
	}

	go tickLoop(rootCtx, store, cfg.TickInterval, log)
	if reconcileLoop != nil {
		go reconcileLoopRun(rootCtx, reconcileLoop, cfg.ReconcileInterval, log)
	}

	select {
	case err := <-serverErr:
		return err
	case <-rootCtx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildLogger(cfg *config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Log.Level)))
	if err != nil {
		return zerolog.Nop(), err
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	if strings.TrimSpace(cfg.Log.File) != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger(), nil
}

func buildPublisher(cfg *config.Config) (ctxsync.Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Publisher.Kind)) {
	case "", "noop":
		return ctxsync.NoopPublisher{}, nil
	case "http":
		return ctxsync.NewHTTPPublisher(ctxsync.HTTPPublisherOptions{
			BaseURL: cfg.Publisher.URL,
			Token:   cfg.Publisher.Token,
		})
	case "postgres":
		return ctxsync.NewPostgresPublisher(cfg.Publisher.DSN)
	default:
		return nil, fmt.Errorf("unsupported publisher kind: %s", cfg.Publisher.Kind)
	}
}

func consumeWatcher(ctx context.Context, watcher *watch.Watcher, store *ctxsync.Store, cfg *config.Config, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors():
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watch error")
		case batch, ok := <-watcher.Batches():
			if !ok {
				return
			}
			result, err := store.Submit(cfg.Project.ID, cfg.Project.Root, batch)
			if err != nil {
				log.Error().Err(err).Int("paths", len(batch)).Msg("watched batch rejected")
				continue
			}
			log.Info().Int("accepted", len(result.Accepted)).Int("skipped", len(result.Skipped)).Msg("watched batch submitted")
		}
	}
}

// tickLoop drains due retry queue entries on a jittered interval so
// multiple daemons pointed at one shared queue do not fire in lockstep.
func tickLoop(ctx context.Context, store *ctxsync.Store, interval time.Duration, log zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, 0.2, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval)
			report, err := store.Tick(tickCtx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("retry tick failed")
			} else if report.Attempted > 0 {
				log.Info().
					Int("attempted", report.Attempted).
					Int("delivered", report.Delivered).
					Int("failed", report.Failed).
					Msg("retry tick")
			}
			timer.Reset(jitteredIntervalWithSample(interval, 0.2, rng.Float64()))
		}
	}
}

func reconcileLoopRun(ctx context.Context, rec *remotesync.Reconciler, interval time.Duration, log zerolog.Logger) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, 0.2, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			recCtx, cancel := context.WithTimeout(ctx, time.Minute)
			report, err := rec.ReconcileOnce(recCtx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("reconcile pass failed")
			} else {
				log.Info().
					Int("remote", report.RemoteRecords).
					Int("local", report.LocalRecords).
					Int("requeued", len(report.Requeued)).
					Int("orphans", len(report.Orphans)).
					Msg("reconcile pass")
			}
			timer.Reset(jitteredIntervalWithSample(interval, 0.2, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
