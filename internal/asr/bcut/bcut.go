// Package bcut speaks the Bcut (bilibili) recognition interface: the audio is
// uploaded in ordered parts, committed, turned into a task and polled until the
// task finishes.
package bcut

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/asr/wire"
)

const (
	DefaultBaseURL   = "https://member.bilibili.com/x/bcut/rubick-interface"
	DefaultModelID   = "8"
	DefaultChunkSize = 4 << 20

	userAgent = "Bilibili/1.0.0 (https://www.bilibili.com)"
)

// Task states reported by /task/result.
const (
	stateStopped  = 0
	stateRunning  = 1
	stateError    = 3
	stateComplete = 4
)

// Config configures the adapter.
type Config struct {
	BaseURL   string
	ModelID   string
	ChunkSize int
	// Words asks for word-level timings in the parsed segments.
	Words bool

	PollInterval time.Duration
	PollTimeout  time.Duration
	Wire         wire.Options
}

// Client is the chunked-upload adapter for Bcut.
type Client struct {
	cfg    Config
	http   *wire.Client
	poller wire.Poller
	log    *slog.Logger
}

var _ asr.Provider = (*Client)(nil)

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Minute
	}
	if cfg.Wire.UserAgent == "" {
		cfg.Wire.UserAgent = userAgent
	}
	log = log.With(slog.String("component", "asr-bcut"))
	hc := wire.NewClient(cfg.Wire, log)
	return &Client{
		cfg:  cfg,
		http: hc,
		poller: wire.Poller{
			Interval: cfg.PollInterval,
			Timeout:  cfg.PollTimeout,
			Retry:    hc.RetryPolicy(),
			Clock:    hc.Clock(),
			Log:      log,
		},
		log: log,
	}
}

func (c *Client) ID() asr.ProviderID { return asr.ProviderBcut }

// Recognize uploads, commits, creates a task and waits for its result. Any
// upload failure aborts before a task is created.
func (c *Client) Recognize(ctx context.Context, in asr.Input) (asr.Result, error) {
	res, err := c.createResource(ctx, in)
	if err != nil {
		return asr.Result{}, err
	}
	downloadURL, err := c.upload(ctx, res, in.Data)
	if err != nil {
		return asr.Result{}, err
	}
	taskID, err := c.createTask(ctx, downloadURL)
	if err != nil {
		return asr.Result{}, err
	}
	payload, err := c.waitResult(ctx, taskID)
	if err != nil {
		return asr.Result{}, err
	}
	segs, err := parseResult(payload, c.cfg.Words)
	if err != nil {
		return asr.Result{}, err
	}
	return asr.NewResult(asr.ProviderBcut, in.Fingerprint, segs)
}

type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type createResourceRequest struct {
	Type             int    `json:"type"`
	Name             string `json:"name"`
	Size             int    `json:"size"`
	ResourceFileType string `json:"ResourceFileType"`
	ModelID          string `json:"model_id"`
}

type resource struct {
	InBossKey  string   `json:"in_boss_key"`
	ResourceID string   `json:"resource_id"`
	UploadID   string   `json:"upload_id"`
	UploadURLs []string `json:"upload_urls"`
	PerSize    int      `json:"per_size"`
}

type commitRequest struct {
	InBossKey  string `json:"InBossKey"`
	ResourceID string `json:"ResourceId"`
	Etags      string `json:"Etags"`
	UploadID   string `json:"UploadId"`
	ModelID    string `json:"model_id"`
}

type commitResponse struct {
	DownloadURL string `json:"download_url"`
}

type createTaskRequest struct {
	Resource string `json:"resource"`
	ModelID  string `json:"model_id"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

type taskResult struct {
	State  *int   `json:"state"`
	Result string `json:"result"`
	Remark string `json:"remark"`
}

func (c *Client) createResource(ctx context.Context, in asr.Input) (resource, error) {
	ext := in.Format.Extension()
	req := createResourceRequest{
		Type:             2,
		Name:             "audio." + ext,
		Size:             len(in.Data),
		ResourceFileType: ext,
		ModelID:          c.cfg.ModelID,
	}
	var res resource
	if err := c.call(ctx, "create resource", http.MethodPost, "/resource/create", req, &res); err != nil {
		return resource{}, err
	}
	if res.ResourceID == "" || res.UploadID == "" || len(res.UploadURLs) == 0 {
		return resource{}, fmt.Errorf("%w: bcut create resource: incomplete upload ticket", asr.ErrProviderProtocol)
	}
	return res, nil
}

func (c *Client) createTask(ctx context.Context, downloadURL string) (string, error) {
	var resp createTaskResponse
	if err := c.call(ctx, "create task", http.MethodPost, "/task", createTaskRequest{Resource: downloadURL, ModelID: c.cfg.ModelID}, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("%w: bcut create task: empty task id", asr.ErrProviderProtocol)
	}
	c.log.Debug("task created", slog.String("task_id", resp.TaskID))
	return resp.TaskID, nil
}

func (c *Client) waitResult(ctx context.Context, taskID string) (string, error) {
	q := url.Values{}
	q.Set("model_id", c.cfg.ModelID)
	q.Set("task_id", taskID)
	path := "/task/result?" + q.Encode()

	var payload string
	err := c.poller.Wait(ctx, taskID, func(ctx context.Context) (wire.JobStatus, error) {
		var res taskResult
		if err := c.call(ctx, "query task", http.MethodGet, path, nil, &res); err != nil {
			return wire.JobPending, err
		}
		if res.State == nil {
			return wire.JobPending, fmt.Errorf("%w: bcut query task: missing state", asr.ErrProviderProtocol)
		}
		switch *res.State {
		case stateComplete:
			payload = res.Result
			return wire.JobSucceeded, nil
		case stateError:
			return wire.JobFailed, fmt.Errorf("%w: bcut task %s: %s", asr.ErrProviderJobFailed, taskID, res.Remark)
		case stateStopped:
			return wire.JobPending, nil
		case stateRunning:
			return wire.JobRunning, nil
		default:
			return wire.JobPending, fmt.Errorf("%w: bcut query task: unknown state %d", asr.ErrProviderProtocol, *res.State)
		}
	})
	return payload, err
}

// call performs a JSON request against the rubick interface and unwraps the
// {code,message,data} envelope into out.
func (c *Client) call(ctx context.Context, op, method, path string, payload, out any) error {
	endpoint := c.cfg.BaseURL + path
	var (
		resp wire.Response
		err  error
	)
	if method == http.MethodGet {
		resp, err = c.http.Get(ctx, "bcut "+op, endpoint)
	} else {
		resp, err = c.http.PostJSON(ctx, "bcut "+op, endpoint, payload)
	}
	if err != nil {
		return err
	}
	var env envelope
	if err := wire.Decode(resp.Body, &env, "bcut "+op+" envelope"); err != nil {
		return err
	}
	if env.Code == nil {
		return fmt.Errorf("%w: bcut %s: envelope without code", asr.ErrProviderProtocol, op)
	}
	if *env.Code != 0 {
		return fmt.Errorf("%w: bcut %s: code %d: %s", asr.ErrProviderProtocol, op, *env.Code, env.Message)
	}
	if out == nil {
		return nil
	}
	return wire.Decode(env.Data, out, "bcut "+op+" data")
}
