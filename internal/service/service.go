// Package service answers recognition and cache purge requests on the bus.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/cache"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Recognizer is the engine surface the service needs.
type Recognizer interface {
	Recognize(ctx context.Context, data []byte, provider asr.ProviderID) (asr.Result, error)
}

// Purger is the cache surface the service needs.
type Purger interface {
	Purge(ctx context.Context, pred cache.Predicate) (int, error)
}

type Service struct {
	cfg    config.ServiceConfig
	bus    *bus.Client
	engine Recognizer
	purger Purger
	sem    chan struct{}
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  bool
	logger *slog.Logger
}

// NewService wires the handlers. purger may be nil when caching is disabled.
func NewService(parent context.Context, cfg config.ServiceConfig, busClient *bus.Client, engine Recognizer, purger Purger, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	n := cfg.MaxConcurrency
	if n <= 0 {
		n = 1
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		engine: engine,
		purger: purger,
		sem:    make(chan struct{}, n),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "asr-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := s.cfg.Subject
	if subject == "" {
		subject = protocol.SubjectRecognize
	}
	purgeSubject := s.cfg.PurgeSubject
	if purgeSubject == "" {
		purgeSubject = protocol.SubjectCachePurge
	}

	sub, err := s.bus.Conn().QueueSubscribe(subject, s.cfg.QueueGroup, s.handleRecognize)
	if err != nil {
		return fmt.Errorf("subscribe recognition requests: %w", err)
	}
	s.subs = append(s.subs, sub)

	// Purge is not queued: every instance owns its own cache.
	sub, err = s.bus.Conn().Subscribe(purgeSubject, s.handlePurge)
	if err != nil {
		s.Close()
		return fmt.Errorf("subscribe purge requests: %w", err)
	}
	s.subs = append(s.subs, sub)

	s.ready = true
	s.logger.Info("asr service listening", slog.String("subject", subject), slog.String("purge_subject", purgeSubject), slog.Int("max_concurrency", cap(s.sem)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRecognize(msg *nats.Msg) {
	var req protocol.RecognizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode recognition request", slogError(err))
		s.respond(msg, protocol.RecognizeReply{
			ErrorKind: asr.Kind(asr.ErrInvalidInput),
			Error:     fmt.Sprintf("decode request: %v", err),
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Blocks the subscription callback while all slots are busy.
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		ctx := s.ctx
		if s.cfg.RequestTimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
			defer cancel()
		}
		s.respond(msg, s.recognize(ctx, req))
	}()
}

func (s *Service) recognize(ctx context.Context, req protocol.RecognizeRequest) protocol.RecognizeReply {
	reply := protocol.RecognizeReply{RequestID: req.RequestID, Provider: req.Provider}
	log := s.logger.With(slog.String("request_id", req.RequestID), slog.String("provider", req.Provider))

	provider, err := asr.ParseProviderID(req.Provider)
	if err == nil {
		var res asr.Result
		res, err = s.engine.Recognize(ctx, req.Audio, provider)
		if err == nil {
			reply.Fingerprint = res.Fingerprint().String()
			reply.Cached = res.Cached()
			reply.Segments = res.Segments()
			reply.Text = res.Text()
			log.Info("recognition served", slog.Bool("cached", reply.Cached), slog.Int("segments", len(reply.Segments)))
			return reply
		}
	}
	reply.ErrorKind = asr.Kind(err)
	reply.Error = err.Error()
	log.Warn("recognition failed", slog.String("kind", reply.ErrorKind), slogError(err))
	return reply
}

func (s *Service) handlePurge(msg *nats.Msg) {
	var req protocol.PurgeRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.PurgeReply{ErrorKind: asr.Kind(asr.ErrInvalidInput), Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
	}
	if s.purger == nil {
		s.respond(msg, protocol.PurgeReply{})
		return
	}
	pred, err := PurgePredicate(req, time.Now())
	if err != nil {
		s.respond(msg, protocol.PurgeReply{ErrorKind: asr.Kind(err), Error: err.Error()})
		return
	}
	n, err := s.purger.Purge(s.ctx, pred)
	if err != nil {
		s.logger.Warn("cache purge failed", slogError(err))
		s.respond(msg, protocol.PurgeReply{ErrorKind: asr.Kind(err), Error: err.Error()})
		return
	}
	s.respond(msg, protocol.PurgeReply{Removed: n})
}

// PurgePredicate turns a purge request into a cache predicate; an empty request
// selects every entry.
func PurgePredicate(req protocol.PurgeRequest, now time.Time) (cache.Predicate, error) {
	var preds []cache.Predicate
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: older_than %q is not a non-negative duration", asr.ErrInvalidInput, req.OlderThan)
		}
		preds = append(preds, cache.OlderThan(now.Add(-d)))
	}
	if req.Provider != "" {
		id, err := asr.ParseProviderID(req.Provider)
		if err != nil {
			return nil, err
		}
		preds = append(preds, cache.ForProvider(id))
	}
	if len(preds) == 0 {
		return nil, nil
	}
	return func(e cache.Entry) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}, nil
}

func (s *Service) respond(msg *nats.Msg, reply any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
