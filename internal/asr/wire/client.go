package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"golang.org/x/time/rate"
)

// maxBody caps how much of a provider response is read.
const maxBody = 64 << 20

// Options configures a Client.
type Options struct {
	Timeout           time.Duration
	Retry             RetryPolicy
	RequestsPerSecond float64
	Clock             Clock
	HTTPClient        *http.Client
	UserAgent         string
}

// Client performs provider HTTP calls and classifies failures into the asr error
// taxonomy: transport errors, 429 and 5xx become ErrProviderUnreachable and are
// retried; any other non-2xx status is ErrProviderProtocol.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	clock   Clock
	retry   RetryPolicy
	agent   string
	log     *slog.Logger
}

// Response is a fully read provider response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func NewClient(opts Options, log *slog.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	c := &Client{http: hc, clock: clock, retry: opts.Retry, agent: opts.UserAgent, log: log}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

func (c *Client) Clock() Clock { return c.clock }

func (c *Client) RetryPolicy() RetryPolicy { return c.retry }

// Do sends the request produced by build, retrying transient failures. build is
// called once per attempt so request bodies are fresh.
func (c *Client) Do(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) (Response, error) {
	var resp Response
	err := Retry(ctx, c.clock, c.retry, c.log, op, func() error {
		r, err := c.once(ctx, op, build)
		resp = r
		return err
	})
	return resp, err
}

func (c *Client) once(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{}, ctxErr
			}
			return Response{}, fmt.Errorf("%w: %s: rate limiter: %v", asr.ErrProviderUnreachable, op, err)
		}
	}
	req, err := build(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("%s: build request: %w", op, err)
	}
	if c.agent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.agent)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("%w: %s: %v", asr.ErrProviderUnreachable, op, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("%w: %s: read body: %v", asr.ErrProviderUnreachable, op, err)
	}
	resp := Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return resp, fmt.Errorf("%w: %s: http %d: %s", asr.ErrProviderUnreachable, op, httpResp.StatusCode, snippet(body))
	case httpResp.StatusCode >= 300:
		return resp, fmt.Errorf("%w: %s: http %d: %s", asr.ErrProviderProtocol, op, httpResp.StatusCode, snippet(body))
	}
	return resp, nil
}

// PostJSON marshals payload, posts it to url and returns the response.
func (c *Client) PostJSON(ctx context.Context, op, url string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("%s: encode request: %w", op, err)
	}
	return c.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// Get issues a GET to url.
func (c *Client) Get(ctx context.Context, op, url string) (Response, error) {
	return c.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
}

// Decode unmarshals a provider body; schema mismatches are ErrProviderProtocol.
func Decode(body []byte, out any, what string) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", asr.ErrProviderProtocol, what, err)
	}
	return nil
}

func snippet(body []byte) string {
	const n = 256
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}
