package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/cache"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/mcp"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath     string
		showVersion    bool
		audioPath      string
		providerName   string
		jsonOut        bool
		purge          bool
		purgeOlderThan time.Duration
		mcpMode        bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&audioPath, "audio", "", "Transcribe this audio file once and exit")
	flag.StringVar(&providerName, "provider", string(asr.ProviderBcut), "Provider for -audio: bcut, jianying or kuaishou")
	flag.BoolVar(&jsonOut, "json", false, "Print the -audio result as JSON")
	flag.BoolVar(&purge, "purge", false, "Remove every cached result and exit")
	flag.DurationVar(&purgeOlderThan, "purge-older-than", 0, "Remove cached results older than this duration and exit")
	flag.BoolVar(&mcpMode, "mcp", false, "Serve MCP tools over stdio")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Only the daemon owns stdout; the other modes print results or speak MCP there.
	daemon := audioPath == "" && !purge && purgeOlderThan == 0 && !mcpMode
	logOut := io.Writer(os.Stderr)
	if daemon {
		logOut = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case purge || purgeOlderThan > 0:
		err = runPurge(ctx, cfg, logger, purgeOlderThan)
	case audioPath != "":
		err = runOnce(ctx, cfg, logger, audioPath, providerName, jsonOut)
	case mcpMode:
		err = runMCP(ctx, cfg, logger)
	default:
		rt := runtime.New(cfg, logger)
		if err = rt.Start(ctx); err == nil {
			logger.Info("shutdown complete")
		}
	}
	if err != nil {
		logger.Error("loqa-asr exited with error", slog.String("error", err.Error()), slog.String("kind", asr.Kind(err)))
		stop()
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runOnce(ctx context.Context, cfg config.Config, logger *slog.Logger, path, providerName string, jsonOut bool) error {
	provider, err := asr.ParseProviderID(providerName)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read audio: %v", asr.ErrInvalidInput, err)
	}
	format := audio.ForFile(path, data)
	if format == audio.FormatUnknown {
		return fmt.Errorf("%w: %s is not a supported audio file (%v)", asr.ErrInvalidInput, path, audio.Supported())
	}
	if format == audio.FormatWAV {
		if d, err := audio.WAVDuration(data); err == nil {
			logger.Info("audio loaded", slog.String("path", path), slog.Duration("duration", d))
		}
	}

	shutdown, _, err := runtime.SetupTelemetry(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer flush(shutdown, logger)

	engine, c, err := runtime.BuildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := engine.Recognize(ctx, data, provider)
	if err != nil {
		return err
	}
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(protocol.RecognizeReply{
			Provider:    string(res.Provider()),
			Fingerprint: res.Fingerprint().String(),
			Cached:      res.Cached(),
			Segments:    res.Segments(),
			Text:        res.Text(),
		})
	}
	_, err = io.WriteString(os.Stdout, res.Timeline())
	return err
}

func runPurge(ctx context.Context, cfg config.Config, logger *slog.Logger, olderThan time.Duration) error {
	c, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("open result cache: %w", err)
	}
	defer c.Close()

	var n int
	if olderThan > 0 {
		n, err = c.ExpireIfOlderThan(ctx, olderThan)
	} else {
		n, err = c.Purge(ctx, nil)
	}
	if err != nil {
		return err
	}
	fmt.Printf("removed %d cached results\n", n)
	return nil
}

func runMCP(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdown, _, err := runtime.SetupTelemetry(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer flush(shutdown, logger)

	engine, c, err := runtime.BuildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	stopSweeper := runtime.StartSweeper(ctx, cfg.Cache, c)
	defer stopSweeper()

	srv := mcp.NewServer(mcp.Config{ServerName: cfg.RuntimeName, ServerVersion: version}, engine, c, logger)
	if err := srv.RunStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func flush(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
