package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/service"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type RecognizeArgs struct {
	Provider string `json:"provider" jsonschema:"ASR provider: bcut, jianying or kuaishou"`
	Audio    string `json:"audio,omitempty" jsonschema:"Base64-encoded audio file content"`
	Path     string `json:"path,omitempty" jsonschema:"Path of a local audio file, used when audio is empty"`
}

type PurgeArgs struct {
	OlderThan string `json:"older_than,omitempty" jsonschema:"Only purge entries older than this Go duration, for example 720h"`
	Provider  string `json:"provider,omitempty" jsonschema:"Only purge entries of this provider"`
}

func (s *Server) handleRecognize(ctx context.Context, req *sdk.CallToolRequest, args RecognizeArgs) (*sdk.CallToolResult, any, error) {
	clip, err := s.loadAudio(args)
	if err != nil {
		return nil, nil, err
	}
	provider, err := asr.ParseProviderID(args.Provider)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.engine.Recognize(ctx, clip, provider)
	if err != nil {
		return nil, nil, fmt.Errorf("recognition failed (%s): %w", asr.Kind(err), err)
	}

	reply := protocol.RecognizeReply{
		Provider:    string(res.Provider()),
		Fingerprint: res.Fingerprint().String(),
		Cached:      res.Cached(),
		Segments:    res.Segments(),
		Text:        res.Text(),
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{
			&sdk.TextContent{Text: string(data)},
			&sdk.TextContent{Text: res.Timeline()},
		},
	}, nil, nil
}

func (s *Server) loadAudio(args RecognizeArgs) ([]byte, error) {
	if args.Audio != "" {
		data, err := base64.StdEncoding.DecodeString(args.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 audio: %v", asr.ErrInvalidInput, err)
		}
		return data, nil
	}
	if args.Path == "" {
		return nil, fmt.Errorf("%w: one of audio or path is required", asr.ErrInvalidInput)
	}
	f, err := os.Open(args.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open audio: %v", asr.ErrInvalidInput, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.config.MaxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if int64(len(data)) > s.config.MaxAudioBytes {
		return nil, fmt.Errorf("%w: audio exceeds %d bytes", asr.ErrInvalidInput, s.config.MaxAudioBytes)
	}
	if audio.ForFile(args.Path, data) == audio.FormatUnknown {
		return nil, fmt.Errorf("%w: %s is not a supported audio file", asr.ErrInvalidInput, args.Path)
	}
	return data, nil
}

func (s *Server) handlePurge(ctx context.Context, req *sdk.CallToolRequest, args PurgeArgs) (*sdk.CallToolResult, any, error) {
	if s.purger == nil {
		return nil, nil, errors.New("result cache is disabled")
	}
	pred, err := service.PurgePredicate(protocol.PurgeRequest{OlderThan: args.OlderThan, Provider: args.Provider}, time.Now())
	if err != nil {
		return nil, nil, err
	}
	n, err := s.purger.Purge(ctx, pred)
	if err != nil {
		return nil, nil, fmt.Errorf("purge failed: %w", err)
	}
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: fmt.Sprintf("Removed %d cached results", n)}},
	}, nil, nil
}
