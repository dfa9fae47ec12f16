// Package mcp exposes recognition and cache purge as MCP tools.
package mcp

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-asr/internal/service"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type Config struct {
	ServerName    string
	ServerVersion string
	// MaxAudioBytes bounds audio read from a path argument; 0 means 256 MiB.
	MaxAudioBytes int64
}

type Server struct {
	config    Config
	mcpServer *sdk.Server
	engine    service.Recognizer
	purger    service.Purger
	logger    *slog.Logger
}

// NewServer registers the tools. purger may be nil when caching is disabled.
func NewServer(cfg Config, engine service.Recognizer, purger service.Purger, logger *slog.Logger) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "loqa-asr"
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 256 << 20
	}
	s := &Server{
		config: cfg,
		engine: engine,
		purger: purger,
		logger: logger.With(slog.String("component", "asr-mcp")),
	}
	s.mcpServer = sdk.NewServer(&sdk.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}, nil)
	s.registerTools()
	return s
}

// Run serves until ctx is done or the transport closes.
func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	s.logger.Info("mcp server running", slog.String("name", s.config.ServerName))
	return s.mcpServer.Run(ctx, transport)
}

// RunStdio serves over stdin/stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &sdk.StdioTransport{})
}

func (s *Server) registerTools() {
	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "recognize_audio",
		Description: "Transcribe an audio file (wav, mp3, m4a, flac) with a remote ASR provider; repeated audio is served from the result cache",
	}, s.handleRecognize)

	sdk.AddTool(s.mcpServer, &sdk.Tool{
		Name:        "purge_cache",
		Description: "Remove cached recognition results, optionally only those older than a duration or from one provider",
	}, s.handlePurge)
}
