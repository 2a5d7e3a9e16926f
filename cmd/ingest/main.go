package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/uscrn-ingest/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/uscrn-ingest/internal/adapter/kafka"
	"github.com/couchcryptid/uscrn-ingest/internal/adapter/parquet"
	"github.com/couchcryptid/uscrn-ingest/internal/adapter/source"
	"github.com/couchcryptid/uscrn-ingest/internal/adapter/store"
	"github.com/couchcryptid/uscrn-ingest/internal/config"
	"github.com/couchcryptid/uscrn-ingest/internal/observability"
	"github.com/couchcryptid/uscrn-ingest/internal/pipeline"
	"github.com/couchcryptid/uscrn-ingest/internal/scheduler"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// status is the /status response body.
type status struct {
	Scheduler string                 `json:"scheduler"`
	LastCycle *pipeline.CycleSummary `json:"last_cycle,omitempty"`
}

func main() {
	once := flag.Bool("once", false, "run a single ingestion cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialect := store.Dialect(cfg.Database.Driver)
	db, err := store.Open(ctx, store.Options{
		Driver:          dialect,
		DSN:             cfg.Database.DSN,
		SQLitePath:      cfg.Database.SQLitePath,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("database unavailable", "driver", dialect, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := store.Migrate(ctx, db, dialect, logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	repo := store.NewRepository(db, dialect, logger)

	fetcher := source.NewFetcher(source.FetcherConfig{
		AllowedHosts:      cfg.Source.AllowedHosts,
		UserAgent:         cfg.Source.UserAgent,
		ConnectTimeout:    cfg.Source.ConnectTimeout,
		TransferTimeout:   cfg.Source.TransferTimeout,
		MaxRetries:        cfg.Source.MaxRetries,
		RetryBaseDelay:    cfg.Source.RetryBaseDelay,
		RetryMaxDelay:     cfg.Source.RetryMaxDelay,
		RequestsPerSecond: cfg.RequestsPerSecond(),
		MaxBodyBytes:      cfg.Source.MaxBodyBytes,
		BreakerFailures:   cfg.Source.BreakerFailures,
		BreakerTimeout:    cfg.Source.BreakerTimeout,
	}, logger)
	lister := source.NewLister(cfg.Source.BaseURL, fetcher, logger)

	years, err := cfg.YearSelector()
	if err != nil {
		logger.Error("invalid year selector", "error", err)
		os.Exit(1)
	}
	filter, err := cfg.LocationFilter()
	if err != nil {
		logger.Error("invalid location filter", "error", err)
		os.Exit(1)
	}

	var opts []pipeline.Option
	if cfg.Kafka.Enabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		opts = append(opts, pipeline.WithPublisher(writer))
		logger.Info("kafka ingestion events enabled", "topic", cfg.Kafka.Topic)
	}
	if cfg.Archive.Enabled {
		opts = append(opts, pipeline.WithArchiver(parquet.NewArchiver(cfg.Archive.Dir, logger)))
		logger.Info("parquet archive enabled", "dir", cfg.Archive.Dir)
	}

	p := pipeline.New(lister, fetcher, repo, pipeline.Config{
		Years:                    years,
		Filter:                   filter,
		FailureThreshold:         cfg.Parser.FailureThreshold,
		DownloadConcurrency:      cfg.Source.DownloadConcurrency,
		RepeatedFailureThreshold: cfg.Parser.RepeatedFailureThreshold,
	}, logger, metrics, opts...)

	sched := scheduler.New(p, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		InitialDelay: cfg.Scheduler.InitialDelay,
	}, logger, metrics)

	if *once {
		sum, err := sched.RunOnce(ctx)
		if err != nil {
			logger.Error("cycle failed to start", "error", err)
			os.Exit(1)
		}
		logger.Info("single cycle complete", "succeeded", sum.Succeeded, "failed", sum.Failed, "stopped", sum.Stopped)
		return
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, func() any {
		st := status{Scheduler: sched.State().String()}
		if sum, ok := p.LastSummary(); ok {
			st.LastCycle = &sum
		}
		return st
	}, cfg.ShutdownTimeout, logger)

	root := newSupervisor(logger, cfg.Scheduler.StopTimeout, cfg.ShutdownTimeout, sched, srv)
	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "error", err)
	}
	logger.Info("shutdown complete")
}

// newSupervisor puts the scheduler and the HTTP server in separate layers so
// each gets its own stop timeout. The ingest layer waits for the in-flight
// file to commit; the root waits for the slower of the two layers.
func newSupervisor(logger *slog.Logger, stopTimeout, shutdownTimeout time.Duration, ingest, api suture.Service) *suture.Supervisor {
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	root := suture.New("uscrn-ingest", suture.Spec{EventHook: hook, Timeout: max(stopTimeout, shutdownTimeout)})
	ingestLayer := suture.New("ingest-layer", suture.Spec{EventHook: hook, Timeout: stopTimeout})
	apiLayer := suture.New("api-layer", suture.Spec{EventHook: hook, Timeout: shutdownTimeout})

	root.Add(ingestLayer)
	root.Add(apiLayer)
	ingestLayer.Add(ingest)
	apiLayer.Add(api)
	return root
}
