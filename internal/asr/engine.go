package asr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-asr/asr"

// ResultCache stores results keyed by (fingerprint, provider). A missing key is
// reported as ok=false with a nil error; errors mean the storage layer failed.
type ResultCache interface {
	Lookup(ctx context.Context, fp Fingerprint, provider ProviderID) (Result, bool, error)
	Store(ctx context.Context, fp Fingerprint, provider ProviderID, result Result) error
}

// Engine is the entry point for recognition: fingerprint, cache lookup, adapter
// dispatch and cache write-back.
type Engine struct {
	providers map[ProviderID]Provider
	cache     ResultCache
	log       *slog.Logger
	tracer    trace.Tracer

	recognitions metric.Int64Counter
	latency      metric.Float64Histogram
	lookups      metric.Int64Counter
	storeErrors  metric.Int64Counter
}

// NewEngine builds an engine over the given adapters. cache may be nil, in which
// case every call goes to the provider.
func NewEngine(cache ResultCache, log *slog.Logger, providers ...Provider) *Engine {
	e := &Engine{
		providers: make(map[ProviderID]Provider, len(providers)),
		cache:     cache,
		log:       log.With(slog.String("component", "asr-engine")),
		tracer:    otel.Tracer(instrumentationName),
	}
	for _, p := range providers {
		e.providers[p.ID()] = p
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

// Providers lists the adapters this engine can dispatch to.
func (e *Engine) Providers() []ProviderID {
	var ids []ProviderID
	for _, id := range KnownProviders() {
		if _, ok := e.providers[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Recognize converts data into a result using provider. A cache hit returns
// without touching the network. Failed recognitions are never cached, and cache
// failures are logged instead of returned.
func (e *Engine) Recognize(ctx context.Context, data []byte, provider ProviderID) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: audio is empty", ErrInvalidInput)
	}
	adapter, ok := e.providers[provider]
	if !ok {
		return Result{}, fmt.Errorf("%w: provider %q is not available", ErrInvalidInput, provider)
	}

	fp := FingerprintOf(data)
	ctx, span := e.tracer.Start(ctx, "asr.recognize", trace.WithAttributes(
		attribute.String("asr.provider", string(provider)),
		attribute.String("asr.fingerprint", fp.Short()),
		attribute.Int("asr.audio_bytes", len(data)),
	))
	defer span.End()

	log := e.log.With(slog.String("provider", string(provider)), slog.String("fingerprint", fp.Short()))
	start := time.Now()

	if cached, hit := e.lookup(ctx, log, fp, provider); hit {
		span.SetAttributes(attribute.Bool("asr.cached", true))
		e.record(ctx, provider, true, nil, start)
		log.Debug("serving cached result", slog.Int("segments", cached.Len()))
		return cached.withCached(true), nil
	}

	in := Input{Data: data, Format: audio.Detect(data), Fingerprint: fp}
	res, err := adapter.Recognize(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		e.record(ctx, provider, false, err, start)
		log.Warn("recognition failed", slog.String("kind", Kind(err)), slogError(err))
		return Result{}, err
	}
	if res.provider != provider || res.fingerprint != fp {
		err := fmt.Errorf("%w: adapter returned result for %s/%s", ErrMalformedResult, res.provider, res.fingerprint.Short())
		e.record(ctx, provider, false, err, start)
		return Result{}, err
	}

	e.store(ctx, log, fp, provider, res)
	span.SetAttributes(attribute.Bool("asr.cached", false), attribute.Int("asr.segments", res.Len()))
	e.record(ctx, provider, false, nil, start)
	log.Info("recognition complete",
		slog.Int("segments", res.Len()),
		slog.String("format", string(in.Format)),
		slog.Duration("latency", time.Since(start)))
	return res.withCached(false), nil
}

func (e *Engine) lookup(ctx context.Context, log *slog.Logger, fp Fingerprint, provider ProviderID) (Result, bool) {
	if e.cache == nil {
		return Result{}, false
	}
	res, ok, err := e.cache.Lookup(ctx, fp, provider)
	if err != nil {
		log.Warn("cache lookup failed; treating as miss", slogError(err))
		ok = false
	}
	if ok && (res.provider != provider || res.fingerprint != fp) {
		log.Warn("cache returned entry for a different key; ignoring")
		ok = false
	}
	if e.lookups != nil {
		e.lookups.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", string(provider)),
			attribute.Bool("hit", ok),
		))
	}
	return res, ok
}

func (e *Engine) store(ctx context.Context, log *slog.Logger, fp Fingerprint, provider ProviderID, res Result) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Store(ctx, fp, provider, res); err != nil {
		log.Warn("cache store failed; result not cached", slogError(err))
		if e.storeErrors != nil {
			e.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(provider))))
		}
	}
}

func (e *Engine) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if e.recognitions, err = meter.Int64Counter("loqa.asr.recognitions", metric.WithDescription("Recognition calls by provider, cache provenance and outcome")); err != nil {
		return err
	}
	if e.latency, err = meter.Float64Histogram("loqa.asr.recognition.duration_ms", metric.WithDescription("Recognition latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if e.lookups, err = meter.Int64Counter("loqa.asr.cache.lookups", metric.WithDescription("Result cache lookups")); err != nil {
		return err
	}
	if e.storeErrors, err = meter.Int64Counter("loqa.asr.cache.store_errors", metric.WithDescription("Result cache writes that failed")); err != nil {
		return err
	}
	return nil
}

func (e *Engine) record(ctx context.Context, provider ProviderID, cached bool, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("cached", strconv.FormatBool(cached)),
		attribute.String("outcome", outcome),
	)
	if e.recognitions != nil {
		e.recognitions.Add(ctx, 1, attrs)
	}
	if e.latency != nil {
		e.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
