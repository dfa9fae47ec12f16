package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubProvider struct {
	id    ProviderID
	mu    sync.Mutex
	calls int
	segs  []Segment
	err   error
}

func (p *stubProvider) ID() ProviderID { return p.id }

func (p *stubProvider) Recognize(_ context.Context, in Input) (Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return Result{}, p.err
	}
	return NewResult(p.id, in.Fingerprint, p.segs)
}

func (p *stubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type mapCache struct {
	mu       sync.Mutex
	entries  map[string]Result
	storeErr error
	lookErr  error
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string]Result)} }

func (c *mapCache) Lookup(_ context.Context, fp Fingerprint, provider ProviderID) (Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookErr != nil {
		return Result{}, false, c.lookErr
	}
	r, ok := c.entries[string(provider)+"/"+string(fp)]
	return r, ok, nil
}

func (c *mapCache) Store(_ context.Context, fp Fingerprint, provider ProviderID, r Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storeErr != nil {
		return c.storeErr
	}
	c.entries[string(provider)+"/"+string(fp)] = r
	return nil
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var helloWorld = []Segment{
	{StartMS: 0, EndMS: 1200, Text: "hello"},
	{StartMS: 1200, EndMS: 2500, Text: "world"},
}

func TestRecognizeValidatesInput(t *testing.T) {
	e := NewEngine(nil, newLogger(), &stubProvider{id: ProviderBcut})
	if _, err := e.Recognize(context.Background(), nil, ProviderBcut); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty audio, got %v", err)
	}
	if _, err := e.Recognize(context.Background(), []byte("a"), ProviderJianYing); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unconfigured provider, got %v", err)
	}
	if _, err := e.Recognize(context.Background(), []byte("a"), "whisper"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown provider, got %v", err)
	}
}

func TestRecognizeWarmCacheIsIdempotent(t *testing.T) {
	p := &stubProvider{id: ProviderBcut, segs: helloWorld}
	c := newMapCache()
	e := NewEngine(c, newLogger(), p)
	audio := []byte("audio bytes")

	first, err := e.Recognize(context.Background(), audio, ProviderBcut)
	if err != nil {
		t.Fatalf("first recognize: %v", err)
	}
	if first.Cached() {
		t.Fatalf("first call should be a miss")
	}
	second, err := e.Recognize(context.Background(), audio, ProviderBcut)
	if err != nil {
		t.Fatalf("second recognize: %v", err)
	}
	if !second.Cached() {
		t.Fatalf("second call should be a hit")
	}
	if p.Calls() != 1 {
		t.Fatalf("expected a single adapter call, got %d", p.Calls())
	}
	a, _ := first.MarshalJSON()
	b, _ := second.MarshalJSON()
	if string(a) != string(b) {
		t.Fatalf("cached result differs:\n%s\n%s", a, b)
	}
}

func TestRecognizeIsolatesProviders(t *testing.T) {
	bcut := &stubProvider{id: ProviderBcut, segs: helloWorld}
	jy := &stubProvider{id: ProviderJianYing, segs: []Segment{{StartMS: 0, EndMS: 2500, Text: "hello world"}}}
	e := NewEngine(newMapCache(), newLogger(), bcut, jy)
	audio := []byte("same audio")

	if _, err := e.Recognize(context.Background(), audio, ProviderBcut); err != nil {
		t.Fatal(err)
	}
	res, err := e.Recognize(context.Background(), audio, ProviderJianYing)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached() || jy.Calls() != 1 {
		t.Fatalf("jianying must not read the bcut entry")
	}
	if res.Len() != 1 {
		t.Fatalf("expected jianying segmentation, got %d segments", res.Len())
	}
}

func TestRecognizeDoesNotCacheFailures(t *testing.T) {
	p := &stubProvider{id: ProviderBcut, err: fmt.Errorf("%w: remote said no", ErrProviderJobFailed)}
	c := newMapCache()
	e := NewEngine(c, newLogger(), p)
	if _, err := e.Recognize(context.Background(), []byte("x"), ProviderBcut); !errors.Is(err, ErrProviderJobFailed) {
		t.Fatalf("expected job failed, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed recognition was cached")
	}
}

func TestRecognizeSurvivesCacheFailures(t *testing.T) {
	p := &stubProvider{id: ProviderBcut, segs: helloWorld}
	c := newMapCache()
	c.lookErr = fmt.Errorf("%w: disk gone", ErrCacheIO)
	c.storeErr = fmt.Errorf("%w: disk gone", ErrCacheIO)
	e := NewEngine(c, newLogger(), p)

	res, err := e.Recognize(context.Background(), []byte("x"), ProviderBcut)
	if err != nil {
		t.Fatalf("cache failure leaked to caller: %v", err)
	}
	if res.Text() != "helloworld" {
		t.Fatalf("unexpected text %q", res.Text())
	}
}

func TestRecognizeConcurrent(t *testing.T) {
	p := &stubProvider{id: ProviderBcut, segs: helloWorld}
	e := NewEngine(newMapCache(), newLogger(), p)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			audio := []byte(fmt.Sprintf("audio-%d", i%4))
			if _, err := e.Recognize(context.Background(), audio, ProviderBcut); err != nil {
				t.Errorf("recognize: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if p.Calls() < 4 {
		t.Fatalf("expected at least one call per distinct audio, got %d", p.Calls())
	}
}
