package bcut

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-asr/internal/asr"
)

type chunk struct {
	Index int
	Data  []byte
	Last  bool
}

// split partitions data into size-byte chunks in index order.
func split(data []byte, size int) []chunk {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	n := (len(data) + size - 1) / size
	chunks := make([]chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, chunk{Index: i, Data: data[start:end], Last: i == n-1})
	}
	return chunks
}

// upload sends every chunk in index order, each acknowledged before the next is
// sent, and commits the upload after the last chunk. It returns the committed
// resource URL.
func (c *Client) upload(ctx context.Context, res resource, data []byte) (string, error) {
	size := res.PerSize
	if size <= 0 {
		size = c.cfg.ChunkSize
	}
	chunks := split(data, size)
	if len(chunks) != len(res.UploadURLs) {
		return "", fmt.Errorf("%w: bcut upload: %d upload urls for %d chunks of %d bytes", asr.ErrProviderProtocol, len(res.UploadURLs), len(chunks), size)
	}

	etags := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		etag, err := c.putChunk(ctx, res.UploadURLs[ch.Index], ch)
		if err != nil {
			return "", err
		}
		etags = append(etags, etag)
		c.log.Debug("chunk uploaded", slog.Int("index", ch.Index), slog.Int("bytes", len(ch.Data)), slog.Bool("last", ch.Last))
		if ch.Last {
			return c.commit(ctx, res, etags)
		}
	}
	return "", fmt.Errorf("%w: bcut upload: no final chunk", asr.ErrInvalidInput)
}

func (c *Client) putChunk(ctx context.Context, uploadURL string, ch chunk) (string, error) {
	op := fmt.Sprintf("bcut upload chunk %d", ch.Index)
	resp, err := c.http.Do(ctx, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(ch.Data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	etag := strings.Trim(resp.Header.Get("Etag"), `"`)
	if etag == "" {
		return "", fmt.Errorf("%w: %s: response without etag", asr.ErrProviderProtocol, op)
	}
	return etag, nil
}

func (c *Client) commit(ctx context.Context, res resource, etags []string) (string, error) {
	req := commitRequest{
		InBossKey:  res.InBossKey,
		ResourceID: res.ResourceID,
		Etags:      strings.Join(etags, ","),
		UploadID:   res.UploadID,
		ModelID:    c.cfg.ModelID,
	}
	var resp commitResponse
	if err := c.call(ctx, "commit upload", http.MethodPost, "/resource/create/complete", req, &resp); err != nil {
		return "", err
	}
	if resp.DownloadURL == "" {
		return "", fmt.Errorf("%w: bcut commit upload: empty download url", asr.ErrProviderProtocol)
	}
	return resp.DownloadURL, nil
}
