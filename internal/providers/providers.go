// Package providers builds the configured recognition adapters.
package providers

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/asr/bcut"
	"github.com/loqalabs/loqa-asr/internal/asr/jianying"
	"github.com/loqalabs/loqa-asr/internal/asr/kuaishou"
	"github.com/loqalabs/loqa-asr/internal/asr/wire"
	"github.com/loqalabs/loqa-asr/internal/config"
)

// Build returns one adapter per enabled provider, in a stable order.
func Build(cfg config.ProvidersConfig, log *slog.Logger) []asr.Provider {
	var out []asr.Provider
	if p := cfg.Bcut; p.Enabled {
		out = append(out, bcut.New(bcut.Config{
			BaseURL:      p.BaseURL,
			ModelID:      p.ModelID,
			ChunkSize:    p.ChunkSize,
			Words:        p.Words,
			PollInterval: millis(p.PollIntervalMS),
			PollTimeout:  millis(p.PollTimeoutMS),
			Wire:         wireOptions(p),
		}, log))
	}
	if p := cfg.JianYing; p.Enabled {
		out = append(out, jianying.New(jianying.Config{
			BaseURL:      p.BaseURL,
			Words:        p.Words,
			PollInterval: millis(p.PollIntervalMS),
			PollTimeout:  millis(p.PollTimeoutMS),
			Wire:         wireOptions(p),
		}, log))
	}
	if p := cfg.Kuaishou; p.Enabled {
		out = append(out, kuaishou.New(kuaishou.Config{
			BaseURL: p.BaseURL,
			Wire:    wireOptions(p),
		}, log))
	}
	for _, p := range out {
		log.Debug("provider enabled", slog.String("provider", string(p.ID())))
	}
	return out
}

func wireOptions(p config.ProviderConfig) wire.Options {
	return wire.Options{
		Timeout:           millis(p.RequestTimeoutMS),
		RequestsPerSecond: p.RequestsPerSecond,
		Retry: wire.RetryPolicy{
			MaxRetries: p.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   10 * time.Second,
		},
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
