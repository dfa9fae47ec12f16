// Package kuaishou posts the audio to the Kuaishou subtitle generator, which
// answers inline with the utterances.
package kuaishou

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/asr/wire"
	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://ai.kuaishou.com"

type Config struct {
	BaseURL string
	Wire    wire.Options
}

type Client struct {
	cfg  Config
	http *wire.Client
	log  *slog.Logger
}

var _ asr.Provider = (*Client)(nil)

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	log = log.With(slog.String("component", "asr-kuaishou"))
	return &Client{cfg: cfg, http: wire.NewClient(cfg.Wire, log), log: log}
}

func (c *Client) ID() asr.ProviderID { return asr.ProviderKuaishou }

func (c *Client) Recognize(ctx context.Context, in asr.Input) (asr.Result, error) {
	body, contentType, err := form(in)
	if err != nil {
		return asr.Result{}, err
	}
	resp, err := c.http.Do(ctx, "kuaishou submit", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/effects/subtitle_generate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return asr.Result{}, err
	}
	segs, err := parse(resp.Body)
	if err != nil {
		return asr.Result{}, err
	}
	c.log.Debug("subtitles generated", slog.Int("segments", len(segs)))
	return asr.NewResult(asr.ProviderKuaishou, in.Fingerprint, segs)
}

func form(in asr.Input) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("typeId", "1"); err != nil {
		return nil, "", fmt.Errorf("kuaishou form: %w", err)
	}
	fw, err := mw.CreateFormFile("file", "audio."+in.Format.Extension())
	if err != nil {
		return nil, "", fmt.Errorf("kuaishou form: %w", err)
	}
	if _, err := fw.Write(in.Data); err != nil {
		return nil, "", fmt.Errorf("kuaishou form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("kuaishou form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

type response struct {
	Result  *int   `json:"result"`
	Message string `json:"message"`
	Data    *struct {
		Text []struct {
			Text      string       `json:"text"`
			StartTime *json.Number `json:"start_time"`
			EndTime   *json.Number `json:"end_time"`
		} `json:"text"`
	} `json:"data"`
}

func parse(body []byte) ([]asr.Segment, error) {
	var resp response
	if err := wire.Decode(body, &resp, "kuaishou response"); err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: kuaishou response: missing result", asr.ErrProviderProtocol)
	}
	if *resp.Result != 1 {
		return nil, fmt.Errorf("%w: kuaishou result %d: %s", asr.ErrProviderJobFailed, *resp.Result, resp.Message)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%w: kuaishou response: missing data", asr.ErrProviderProtocol)
	}
	segs := make([]asr.Segment, 0, len(resp.Data.Text))
	for i, t := range resp.Data.Text {
		if t.StartTime == nil || t.EndTime == nil {
			return nil, fmt.Errorf("%w: kuaishou utterance %d: missing timestamps", asr.ErrProviderProtocol, i)
		}
		start, err := millis(*t.StartTime)
		if err != nil {
			return nil, fmt.Errorf("%w: kuaishou utterance %d: %v", asr.ErrProviderProtocol, i, err)
		}
		end, err := millis(*t.EndTime)
		if err != nil {
			return nil, fmt.Errorf("%w: kuaishou utterance %d: %v", asr.ErrProviderProtocol, i, err)
		}
		segs = append(segs, asr.Segment{StartMS: start, EndMS: end, Text: strings.TrimSpace(t.Text)})
	}
	return segs, nil
}

// millis converts decimal seconds to whole milliseconds, rounding half away from zero.
func millis(seconds json.Number) (int64, error) {
	d, err := decimal.NewFromString(seconds.String())
	if err != nil {
		return 0, err
	}
	return d.Shift(3).Round(0).IntPart(), nil
}
