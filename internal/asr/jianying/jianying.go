// Package jianying submits the whole audio to the JianYing subtitle service in one
// request and polls its query endpoint for the utterances.
package jianying

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/asr/wire"
)

const DefaultBaseURL = "https://lv-pc-api-sinfonlinec.ulikecam.com"

// Config configures the adapter.
type Config struct {
	BaseURL      string
	Words        bool
	PollInterval time.Duration
	PollTimeout  time.Duration
	Wire         wire.Options
}

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
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	if cfg.Wire.UserAgent == "" {
		cfg.Wire.UserAgent = "Cronet/TTNetVersion:01594da2 2023-03-14 QuicVersion:46688bb4 2022-11-28"
	}
	log = log.With(slog.String("component", "asr-jianying"))
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

func (c *Client) ID() asr.ProviderID { return asr.ProviderJianYing }

func (c *Client) Recognize(ctx context.Context, in asr.Input) (asr.Result, error) {
	id, err := c.submit(ctx, in)
	if err != nil {
		return asr.Result{}, err
	}
	var utterances []utterance
	err = c.poller.Wait(ctx, id, func(ctx context.Context) (wire.JobStatus, error) {
		q, err := c.query(ctx, id)
		if err != nil {
			return wire.JobPending, err
		}
		switch q.Status {
		case "success":
			if q.Utterances == nil {
				return wire.JobPending, fmt.Errorf("%w: jianying query: success without utterances", asr.ErrProviderProtocol)
			}
			utterances = *q.Utterances
			return wire.JobSucceeded, nil
		case "failed":
			return wire.JobFailed, fmt.Errorf("%w: jianying job %s: %s", asr.ErrProviderJobFailed, id, q.Message)
		case "pending", "":
			return wire.JobPending, nil
		case "running":
			return wire.JobRunning, nil
		default:
			return wire.JobPending, fmt.Errorf("%w: jianying query: unknown status %q", asr.ErrProviderProtocol, q.Status)
		}
	})
	if err != nil {
		return asr.Result{}, err
	}
	return asr.NewResult(asr.ProviderJianYing, in.Fingerprint, toSegments(utterances, c.cfg.Words))
}

type envelope struct {
	Ret    string          `json:"ret"`
	ErrMsg string          `json:"errmsg"`
	Data   json.RawMessage `json:"data"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type queryRequest struct {
	ID          string      `json:"id"`
	PackOptions packOptions `json:"pack_options"`
}

type packOptions struct {
	NeedAttribute bool `json:"need_attribute"`
}

type queryResponse struct {
	Status     string       `json:"status"`
	Message    string       `json:"message"`
	Utterances *[]utterance `json:"utterances"`
}

// JianYing reports times in milliseconds.
type utterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Words     []struct {
		Text      string `json:"text"`
		StartTime int64  `json:"start_time"`
		EndTime   int64  `json:"end_time"`
	} `json:"words"`
}

func (c *Client) submit(ctx context.Context, in asr.Input) (string, error) {
	q := url.Values{}
	q.Set("client_request_id", uuid.NewString())
	q.Set("format", in.Format.Extension())
	endpoint := c.cfg.BaseURL + "/lv/v1/audio_subtitle/submit?" + q.Encode()

	resp, err := c.http.Do(ctx, "jianying submit", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(in.Data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", in.Format.MIME())
		return req, nil
	})
	if err != nil {
		return "", err
	}
	var sub submitResponse
	if err := unwrap(resp.Body, "submit", &sub); err != nil {
		return "", err
	}
	if sub.ID == "" {
		return "", fmt.Errorf("%w: jianying submit: empty job id", asr.ErrProviderProtocol)
	}
	c.log.Debug("audio submitted", slog.String("job", sub.ID), slog.Int("bytes", len(in.Data)))
	return sub.ID, nil
}

func (c *Client) query(ctx context.Context, id string) (queryResponse, error) {
	req := queryRequest{ID: id, PackOptions: packOptions{NeedAttribute: c.cfg.Words}}
	resp, err := c.http.PostJSON(ctx, "jianying query", c.cfg.BaseURL+"/lv/v1/audio_subtitle/query", req)
	if err != nil {
		return queryResponse{}, err
	}
	var out queryResponse
	if err := unwrap(resp.Body, "query", &out); err != nil {
		return queryResponse{}, err
	}
	return out, nil
}

// unwrap decodes the {ret,errmsg,data} envelope. A non-zero ret is the service
// refusing the job.
func unwrap(body []byte, op string, out any) error {
	var env envelope
	if err := wire.Decode(body, &env, "jianying "+op+" envelope"); err != nil {
		return err
	}
	if env.Ret == "" {
		return fmt.Errorf("%w: jianying %s: envelope without ret", asr.ErrProviderProtocol, op)
	}
	if env.Ret != "0" {
		return fmt.Errorf("%w: jianying %s: ret %s: %s", asr.ErrProviderJobFailed, op, env.Ret, env.ErrMsg)
	}
	return wire.Decode(env.Data, out, "jianying "+op+" data")
}

func toSegments(utterances []utterance, words bool) []asr.Segment {
	segs := make([]asr.Segment, 0, len(utterances))
	for _, u := range utterances {
		seg := asr.Segment{StartMS: u.StartTime, EndMS: u.EndTime, Text: strings.TrimSpace(u.Text)}
		if words {
			for _, w := range u.Words {
				seg.Words = append(seg.Words, asr.Word{StartMS: w.StartTime, EndMS: w.EndTime, Text: strings.TrimSpace(w.Text)})
			}
		}
		segs = append(segs, seg)
	}
	return segs
}
