package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/cache"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeEngine struct {
	calls int
}

func (f *fakeEngine) Recognize(_ context.Context, data []byte, provider asr.ProviderID) (asr.Result, error) {
	f.calls++
	if len(data) == 0 {
		return asr.Result{}, asr.ErrInvalidInput
	}
	return asr.NewResult(provider, asr.FingerprintOf(data), []asr.Segment{{StartMS: 0, EndMS: 1200, Text: "hello"}})
}

type fakePurger struct {
	all bool
}

func (f *fakePurger) Purge(_ context.Context, pred cache.Predicate) (int, error) {
	f.all = pred == nil
	return 3, nil
}

func connect(t *testing.T, engine *fakeEngine, purger *fakePurger) *sdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := NewServer(Config{ServerVersion: "test"}, engine, purger, slog.New(slog.NewTextHandler(io.Discard, nil)))

	clientTransport, serverTransport := sdk.NewInMemoryTransports()
	ss, err := srv.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func text(t *testing.T, res *sdk.CallToolResult, i int) string {
	t.Helper()
	if len(res.Content) <= i {
		t.Fatalf("expected at least %d content items, got %d", i+1, len(res.Content))
	}
	tc, ok := res.Content[i].(*sdk.TextContent)
	if !ok {
		t.Fatalf("content %d is %T", i, res.Content[i])
	}
	return tc.Text
}

func TestRecognizeAudioTool(t *testing.T) {
	engine := &fakeEngine{}
	cs := connect(t, engine, &fakePurger{})

	audio := base64.StdEncoding.EncodeToString([]byte("RIFF....WAVE"))
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{
		Name:      "recognize_audio",
		Arguments: map[string]any{"provider": "bcut", "audio": audio},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool failed: %s", text(t, res, 0))
	}
	var reply protocol.RecognizeReply
	if err := json.Unmarshal([]byte(text(t, res, 0)), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Provider != "bcut" || reply.Text != "hello" || len(reply.Segments) != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if !strings.Contains(text(t, res, 1), "[00:00:00.000 --> 00:00:01.200] hello") {
		t.Fatalf("unexpected timeline %q", text(t, res, 1))
	}
}

func TestRecognizeAudioFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.flac")
	if err := os.WriteFile(path, []byte("fLaC0000"), 0o644); err != nil {
		t.Fatal(err)
	}
	engine := &fakeEngine{}
	cs := connect(t, engine, &fakePurger{})
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{
		Name:      "recognize_audio",
		Arguments: map[string]any{"provider": "kuaishou", "path": path},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError || engine.calls != 1 {
		t.Fatalf("expected one successful recognition, isError=%v calls=%d", res.IsError, engine.calls)
	}
}

func TestRecognizeAudioRejectsUnsupportedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	engine := &fakeEngine{}
	cs := connect(t, engine, &fakePurger{})
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{
		Name:      "recognize_audio",
		Arguments: map[string]any{"provider": "kuaishou", "path": path},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if !res.IsError || engine.calls != 0 {
		t.Fatalf("expected a tool error without recognition, isError=%v calls=%d", res.IsError, engine.calls)
	}
}

func TestRecognizeAudioRejectsUnknownProvider(t *testing.T) {
	engine := &fakeEngine{}
	cs := connect(t, engine, &fakePurger{})
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{
		Name:      "recognize_audio",
		Arguments: map[string]any{"provider": "whisper", "audio": "eA=="},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error")
	}
	if engine.calls != 0 {
		t.Fatal("engine must not be called for an unknown provider")
	}
}

func TestPurgeCacheTool(t *testing.T) {
	purger := &fakePurger{}
	cs := connect(t, &fakeEngine{}, purger)
	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{Name: "purge_cache", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.IsError || !purger.all {
		t.Fatalf("expected full purge, isError=%v all=%v", res.IsError, purger.all)
	}
	if got := text(t, res, 0); got != "Removed 3 cached results" {
		t.Fatalf("unexpected text %q", got)
	}

	res, err = cs.CallTool(context.Background(), &sdk.CallToolParams{Name: "purge_cache", Arguments: map[string]any{"older_than": "eventually"}})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected tool error for bad duration")
	}
}
