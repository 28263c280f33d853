package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gustycube/c2feed/internal/api"
	"github.com/gustycube/c2feed/internal/circuitbreaker"
	"github.com/gustycube/c2feed/internal/health"
	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/metrics"
	"github.com/gustycube/c2feed/internal/poller"
	"github.com/gustycube/c2feed/internal/telemetry"
	"github.com/gustycube/c2feed/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the scanner API and serve the feed",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&listen, "listen", "", "feed API listen address")
	f.StringVar(&upstreamURL, "upstream_url", "", "scanner API URL")
	f.StringVar(&metricsAddr, "metrics_addr", "", "metrics and health listen address")
	f.IntVar(&pollInterval, "poll_interval_sec", 0, "seconds between upstream pulls")
	f.IntVar(&flushInterval, "flush_interval_sec", 0, "seconds between periodic flushes")
	f.StringVar(&otelEndpoint, "otel_endpoint", "", "OTLP HTTP endpoint (host:port)")
	f.BoolVar(&otelInsecure, "otel_insecure", false, "OTLP without TLS")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.OTELService, version, cfg.OTELInsecure)
	if err != nil {
		log.Warnw("tracing disabled", "err", err)
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	st, err := dialStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, pipeline, err := buildFeed(cfg, st, log)
	if err != nil {
		return err
	}
	client := upstream.New(upstream.Options{
		URL:       cfg.UpstreamURL,
		APIKey:    cfg.UpstreamKey,
		KeyHeader: cfg.UpstreamKeyHeader,
		Timeout:   cfg.UpstreamTimeout(),
		Breaker: &circuitbreaker.Config{
			Threshold: uint32(cfg.BreakerThreshold),
			Timeout:   cfg.BreakerTimeout(),
		},
		Log: log,
	})

	healthHandler := health.NewHandler(log)
	healthHandler.SetMetadata("version", version)
	healthHandler.RegisterChecker("redis", health.NewStoreChecker(st.Ping))

	p := poller.New(client, gen, pipeline, poller.Options{
		Interval:      cfg.PollInterval(),
		FlushInterval: cfg.FlushInterval(),
		OnReady:       func() { healthHandler.SetReady(true) },
		Log:           log,
	})
	healthHandler.RegisterChecker("upstream", health.NewFreshnessChecker(p.LastSuccess, cfg.FreshnessWindow()))

	server := api.New(api.Options{
		Store:         st,
		Keys:          storeKeys(cfg),
		APIKey:        cfg.APIKey,
		KeyHeader:     cfg.APIKeyHeader,
		RatePerSecond: cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		CacheSize:     cfg.CacheSize,
		CacheTTL:      cfg.CacheTTL(),
		Log:           log,
	})

	if cfg.MetricsAddr != "" {
		go metrics.ServeWithHealth(ctx, cfg.MetricsAddr, healthHandler, log)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return server.Serve(ctx, cfg.Listen, cfg.MaxConns) })

	log.Infow("c2feed started", "listen", cfg.Listen, "upstream", cfg.UpstreamURL, "version", version)
	err = g.Wait()
	log.Infow("c2feed stopped")
	return err
}
