package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/cache"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/providers"
	"github.com/loqalabs/loqa-asr/internal/service"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	traceOut    io.Writer
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	cache  *cache.Cache
	engine *asr.Engine
	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	svc    *service.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stdout,
	}
}

// BuildEngine opens the result cache and builds the engine over the enabled
// providers. The caller owns the returned cache and must close it.
func BuildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*asr.Engine, *cache.Cache, error) {
	c, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open result cache: %w", err)
	}
	adapters := providers.Build(cfg.Providers, logger)
	if len(adapters) == 0 {
		c.Close()
		return nil, nil, fmt.Errorf("no providers enabled")
	}
	return asr.NewEngine(c, logger, adapters...), c, nil
}

// StartSweeper runs age-based expiry in the background when configured. The
// returned function stops it and waits for it to exit.
func StartSweeper(ctx context.Context, cfg config.CacheConfig, c *cache.Cache) func() {
	if cfg.Expiry != config.ExpiryAge || cfg.Mode == config.CacheDisabled {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunExpiry(ctx,
			time.Duration(cfg.MaxAgeHours)*time.Hour,
			time.Duration(cfg.SweepIntervalMS)*time.Millisecond)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := SetupTelemetry(r.cfg, r.logger, r.traceOut)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	r.engine, r.cache, err = BuildEngine(ctx, r.cfg, r.logger)
	if err != nil {
		r.closeTelemetry()
		return err
	}
	stopSweeper := StartSweeper(ctx, r.cfg.Cache, r.cache)

	if err := r.startBus(ctx); err != nil {
		stopSweeper()
		r.closeBus()
		r.closeCache()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Any("providers", r.engine.Providers()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeBus()
	stopSweeper()
	r.closeCache()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	r.svc = service.NewService(ctx, r.cfg.Service, client, r.engine, r.cache, r.logger)
	return r.svc.Start()
}

func (r *Runtime) closeBus() {
	if r.svc != nil {
		r.svc.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeCache() {
	if r.cache == nil {
		return
	}
	if err := r.cache.Close(); err != nil {
		r.logger.Error("cache close error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return r.svc == nil || r.svc.Healthy()
}
