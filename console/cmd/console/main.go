package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"airport-ops-console/console/internal/handlers"
	"airport-ops-console/console/internal/middleware"
	"airport-ops-console/console/internal/router"
	"airport-ops-console/console/internal/sinks"
	"airport-ops-console/console/internal/snapshot"
	"airport-ops-console/console/internal/state"
	"airport-ops-console/console/internal/stream"
	"airport-ops-console/shared/cachex"
	"airport-ops-console/shared/clients/opsapi"
	"airport-ops-console/shared/config"
	"airport-ops-console/shared/events"
	"airport-ops-console/shared/httpx"
	"airport-ops-console/shared/influxx"
	"airport-ops-console/shared/logx"
	"airport-ops-console/shared/metricsx"
	"airport-ops-console/shared/mqx"
	"airport-ops-console/shared/observability"
)

const resumeTTL = 24 * time.Hour

func main() {
	cfg, readyProblems := config.Load("console", 8095)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	var shutdownTracer func(context.Context) error
	if cfg.OtelEnabled {
		var err error
		shutdownTracer, err = observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		})
		if err != nil {
			logger.Error(context.Background(), "otel_init_failed", "otel init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	clk := clock.RealClock{}
	consoleID := uuid.NewString()
	var checks []handlers.Check

	var resume stream.ResumeStore = &stream.MemoryResumeStore{}
	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: err.Error()})
		} else {
			resume = cachex.NewResumeStore(cache, cfg.ResumeKey, resumeTTL)
			checks = append(checks, handlers.Check{Name: "redis", Run: cache.Ping})
		}
	}

	var api *opsapi.Client
	if cfg.OpsAPIURL != "" {
		var err error
		api, err = opsapi.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OPS_API_URL", Message: err.Error()})
		}
	}

	rtr := router.New(logger)
	store := state.NewStore(logger, clk)
	storeSubs := store.Bind(rtr)

	var loader *snapshot.Loader
	if api != nil {
		loader = snapshot.NewLoader(api, logger, clk)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	if loader != nil {
		rtr.OnReset(func(events.Envelope) {
			loader.Reload(runCtx, store)
		})
		if cfg.SnapshotOnStart {
			loader.Sync(runCtx, store)
		}
	}

	g, gctx := errgroup.WithContext(runCtx)

	var producer *mqx.Producer
	if cfg.MirrorEnabled {
		var err error
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: err.Error()})
		} else {
			mirror := sinks.NewMirror(producer, cfg.MirrorTopic, consoleID, cfg.SinkBuffer, logger)
			mirror.Attach(rtr)
			g.Go(func() error { return mirror.Run(gctx) })
		}
	}

	var influx *influxx.Client
	if cfg.TelemetryEnabled {
		var err error
		influx, err = influxx.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
		} else {
			telemetry := sinks.NewTelemetry(influx, cfg.SinkBuffer, clk, logger)
			telemetry.Attach(rtr)
			g.Go(func() error { return telemetry.Run(gctx) })
			checks = append(checks, handlers.Check{Name: "influx", Run: influx.Ready})
		}
	}

	// The stream is long-lived; the heartbeat watchdog bounds it instead of a client timeout.
	dialer := &stream.HTTPDialer{
		Client: &http.Client{Transport: observability.HTTPTransport(nil)},
		Header: http.Header{"X-Console-ID": []string{consoleID}},
	}
	transport := stream.New(stream.Options{
		URL:              cfg.StreamURL,
		HeartbeatTimeout: cfg.HeartbeatTimeout(),
		ReconnectBase:    cfg.ReconnectBase(),
		ReconnectMax:     cfg.ReconnectMax(),
		MaxAttempts:      cfg.ReconnectMaxAttempts,
		Dialer:           dialer,
		Resume:           resume,
		Clock:            clk,
		Logger:           logger,
	}, rtr)
	if cfg.StreamURL != "" {
		transport.Connect()
	}

	h := &handlers.Handlers{
		Store:    store,
		Stream:   transport,
		Logger:   logger,
		Service:  cfg.ServiceName,
		Env:      cfg.Env,
		Version:  version,
		Problems: readyProblems,
		Checks:   checks,
	}
	if api != nil {
		h.API = api
	}

	mux := http.NewServeMux()
	h.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})

	limiter := middleware.NewClientRateLimiter(cfg.ActionRateRPS, cfg.ActionRateBurst, 0, clk)
	quiet := map[string]bool{"/healthz": true, "/metrics": true}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.RateLimitMiddleware{
		Limiter: limiter,
		Only:    func(r *http.Request) bool { return r.Method == http.MethodPost },
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{AllowedOrigins: cfg.CORSAllowedOrigins}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, quiet, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = metricsx.Instrument(handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: quiet}, handler)
	handler = otelhttp.NewHandler(handler, "http")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("console_id", consoleID),
			slog.String("stream_url", cfg.StreamURL),
			slog.Bool("mirror_enabled", producer != nil),
			slog.Bool("telemetry_enabled", influx != nil),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	transport.Disconnect()
	storeSubs.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}

	stopRun()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn(context.Background(), "sink_stopped", "sink stopped with error",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if producer != nil {
		_ = producer.Close()
	}
	if influx != nil {
		influx.Close()
	}
	if cache != nil {
		_ = cache.Close()
	}
	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
