package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/cache"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echoProvider struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (p *echoProvider) ID() asr.ProviderID { return asr.ProviderBcut }

func (p *echoProvider) Recognize(_ context.Context, in asr.Input) (asr.Result, error) {
	p.calls.Add(1)
	if p.fail.Load() {
		return asr.Result{}, fmt.Errorf("%w: poll exceeded", asr.ErrProviderTimeout)
	}
	return asr.NewResult(asr.ProviderBcut, in.Fingerprint, []asr.Segment{
		{StartMS: 0, EndMS: 1200, Text: "hello"},
		{StartMS: 1200, EndMS: 2500, Text: "world"},
	})
}

type harness struct {
	bus      *bus.Client
	provider *echoProvider
	cache    *cache.Cache
}

func startHarness(t *testing.T) *harness {
	t.Helper()
	log := newLogger()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, MaxPayloadBytes: 4 << 20, ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	c, err := cache.Open(context.Background(), config.CacheConfig{Mode: config.CacheMemory, MemoryEntries: 16}, log)
	if err != nil {
		t.Fatal(err)
	}
	provider := &echoProvider{}
	engine := asr.NewEngine(c, log, provider)

	cfg := config.Default().Service
	svc := NewService(context.Background(), cfg, client, engine, c, log)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service not healthy after start")
	}
	return &harness{bus: client, provider: provider, cache: c}
}

func request[T any](t *testing.T, h *harness, subject string, req any) T {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := h.bus.Conn().Request(subject, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var out T
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return out
}

func TestRecognizeOverBus(t *testing.T) {
	h := startHarness(t)
	req := protocol.RecognizeRequest{RequestID: "r1", Provider: "bcut", Audio: []byte("RIFF....WAVEfmt ")}

	first := request[protocol.RecognizeReply](t, h, protocol.SubjectRecognize, req)
	if first.ErrorKind != "" {
		t.Fatalf("unexpected error %s: %s", first.ErrorKind, first.Error)
	}
	if first.RequestID != "r1" || first.Cached || len(first.Segments) != 2 || first.Text != "helloworld" {
		t.Fatalf("unexpected reply %+v", first)
	}
	if first.Fingerprint != asr.FingerprintOf(req.Audio).String() {
		t.Fatalf("unexpected fingerprint %s", first.Fingerprint)
	}

	second := request[protocol.RecognizeReply](t, h, protocol.SubjectRecognize, req)
	if !second.Cached {
		t.Fatal("second request should be served from cache")
	}
	if h.provider.calls.Load() != 1 {
		t.Fatalf("expected one provider call, got %d", h.provider.calls.Load())
	}
}

func TestRecognizeErrorsCarryKind(t *testing.T) {
	h := startHarness(t)

	reply := request[protocol.RecognizeReply](t, h, protocol.SubjectRecognize, protocol.RecognizeRequest{Provider: "whisper", Audio: []byte("x")})
	if reply.ErrorKind != "invalid_input" {
		t.Fatalf("expected invalid_input, got %q", reply.ErrorKind)
	}
	if reply.RequestID == "" {
		t.Fatal("expected a generated request id")
	}

	reply = request[protocol.RecognizeReply](t, h, protocol.SubjectRecognize, protocol.RecognizeRequest{Provider: "bcut"})
	if reply.ErrorKind != "invalid_input" {
		t.Fatalf("expected invalid_input for empty audio, got %q", reply.ErrorKind)
	}

	h.provider.fail.Store(true)
	reply = request[protocol.RecognizeReply](t, h, protocol.SubjectRecognize, protocol.RecognizeRequest{Provider: "bcut", Audio: []byte("y")})
	if reply.ErrorKind != "provider_timeout" {
		t.Fatalf("expected provider_timeout, got %q", reply.ErrorKind)
	}
}

func TestPurgeOverBus(t *testing.T) {
	h := startHarness(t)
	for _, audio := range []string{"a", "b"} {
		reply := request[protocol.RecognizeReply](t, h, protocol.SubjectRecognize, protocol.RecognizeRequest{Provider: "bcut", Audio: []byte(audio)})
		if reply.ErrorKind != "" {
			t.Fatalf("recognize: %s", reply.Error)
		}
	}

	bad := request[protocol.PurgeReply](t, h, protocol.SubjectCachePurge, protocol.PurgeRequest{OlderThan: "soon"})
	if bad.ErrorKind != "invalid_input" {
		t.Fatalf("expected invalid_input, got %q", bad.ErrorKind)
	}

	none := request[protocol.PurgeReply](t, h, protocol.SubjectCachePurge, protocol.PurgeRequest{OlderThan: "1h"})
	if none.Removed != 0 {
		t.Fatalf("fresh entries should survive, removed %d", none.Removed)
	}

	all := request[protocol.PurgeReply](t, h, protocol.SubjectCachePurge, protocol.PurgeRequest{})
	if all.Removed != 2 {
		t.Fatalf("expected 2 removed, got %d", all.Removed)
	}
	if n, _ := h.cache.Len(context.Background()); n != 0 {
		t.Fatalf("cache not empty after purge: %d", n)
	}
}

func TestPurgePredicate(t *testing.T) {
	now := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	pred, err := PurgePredicate(protocol.PurgeRequest{}, now)
	if err != nil || pred != nil {
		t.Fatalf("empty request should select all, got pred=%v err=%v", pred != nil, err)
	}
	pred, err = PurgePredicate(protocol.PurgeRequest{OlderThan: "24h", Provider: "jianying"}, now)
	if err != nil {
		t.Fatal(err)
	}
	old := now.Add(-48 * time.Hour)
	if !pred(cache.Entry{Provider: asr.ProviderJianYing, CreatedAt: old}) {
		t.Fatal("old jianying entry should match")
	}
	if pred(cache.Entry{Provider: asr.ProviderBcut, CreatedAt: old}) {
		t.Fatal("bcut entry should not match")
	}
	if pred(cache.Entry{Provider: asr.ProviderJianYing, CreatedAt: now}) {
		t.Fatal("fresh entry should not match")
	}
	if _, err := PurgePredicate(protocol.PurgeRequest{Provider: "nope"}, now); err == nil {
		t.Fatal("expected unknown provider error")
	}
}
