// Package bcuttest runs an in-process imitation of the Bcut interface for tests.
package bcuttest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Counts records how many calls each endpoint received.
type Counts struct {
	Resources int
	Chunks    int
	Commits   int
	Tasks     int
	Polls     int
}

// Server fakes the Bcut endpoints. Configure fields before the first request.
type Server struct {
	*httptest.Server

	// PerSize is the chunk size handed out by /resource/create.
	PerSize int
	// FailChunk makes uploads of that chunk index return 500; -1 disables.
	FailChunk int
	// States are returned by successive polls; the last one repeats.
	States []int
	Result string
	Remark string
	TaskID string

	mu      sync.Mutex
	counts  Counts
	chunks  []int
	size    int
	commits []string
}

// NewServer starts a fake that completes immediately with two utterances.
func NewServer() *Server {
	s := &Server{
		PerSize:   4,
		FailChunk: -1,
		States:    []int{4},
		TaskID:    "J1",
		Result:    HelloWorld,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// HelloWorld is a result payload with segments (0,1200,"hello") and (1200,2500,"world").
const HelloWorld = `{"utterances":[` +
	`{"start_time":0,"end_time":1200,"transcript":"hello","words":[{"label":"hello","start_time":0,"end_time":1200}]},` +
	`{"start_time":1200,"end_time":2500,"transcript":"world","words":[{"label":"world","start_time":1300,"end_time":2500}]}` +
	`],"version":"1"}`

func (s *Server) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts
}

// ChunkOrder lists chunk indexes in the order they arrived.
func (s *Server) ChunkOrder() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.chunks...)
}

// Etags lists the comma-joined etags of each commit.
func (s *Server) Etags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.URL.Path == "/resource/create":
		s.counts.Resources++
		var req struct {
			Size int `json:"size"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.size = req.Size
		n := (req.Size + s.PerSize - 1) / s.PerSize
		urls := make([]string, n)
		for i := range urls {
			urls[i] = fmt.Sprintf("http://%s/upload/%d", r.Host, i)
		}
		writeOK(w, map[string]any{
			"in_boss_key": "boss",
			"resource_id": "res-1",
			"upload_id":   "up-1",
			"upload_urls": urls,
			"per_size":    s.PerSize,
		})
	case strings.HasPrefix(r.URL.Path, "/upload/"):
		idx, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/upload/"))
		if err != nil || r.Method != http.MethodPut {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.counts.Chunks++
		if idx == s.FailChunk {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if idx != len(s.chunks) {
			w.WriteHeader(http.StatusConflict)
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		s.chunks = append(s.chunks, idx)
		w.Header().Set("Etag", fmt.Sprintf(`"etag-%d"`, idx))
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/resource/create/complete":
		s.counts.Commits++
		var req struct {
			Etags string `json:"Etags"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.commits = append(s.commits, req.Etags)
		writeOK(w, map[string]any{"download_url": "https://boss.example/res-1"})
	case r.URL.Path == "/task":
		s.counts.Tasks++
		writeOK(w, map[string]any{"task_id": s.TaskID})
	case r.URL.Path == "/task/result":
		s.counts.Polls++
		if r.URL.Query().Get("task_id") != s.TaskID {
			writeJSON(w, map[string]any{"code": 400, "message": "unknown task"})
			return
		}
		idx := s.counts.Polls - 1
		if idx >= len(s.States) {
			idx = len(s.States) - 1
		}
		state := s.States[idx]
		data := map[string]any{"task_id": s.TaskID, "state": state, "remark": s.Remark}
		if state == 4 {
			data["result"] = s.Result
		}
		writeOK(w, data)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, map[string]any{"code": 0, "message": "0", "data": data})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// CancelAfterChunk returns a transport that calls cancel once the upload of
// chunk index has been acknowledged. The acknowledgement is buffered before
// cancel runs, so the caller receives it intact.
func CancelAfterChunk(index int, cancel context.CancelFunc) http.RoundTripper {
	target := fmt.Sprintf("/upload/%d", index)
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil || r.Method != http.MethodPut || r.URL.Path != target {
			return resp, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		cancel()
		return resp, nil
	})
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
