package protocol

import "github.com/loqalabs/loqa-asr/internal/asr"

// RecognizeRequest asks the service to transcribe one audio file. Audio is
// base64 in the JSON encoding.
type RecognizeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Provider  string `json:"provider"`
	Audio     []byte `json:"audio"`
}

// RecognizeReply carries either the result or an error kind from asr.Kind.
type RecognizeReply struct {
	RequestID   string        `json:"request_id,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Cached      bool          `json:"cached"`
	Segments    []asr.Segment `json:"segments,omitempty"`
	Text        string        `json:"text,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// PurgeRequest removes cache entries. Empty fields purge everything; OlderThan
// is a Go duration such as "720h".
type PurgeRequest struct {
	OlderThan string `json:"older_than,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

type PurgeReply struct {
	Removed   int    `json:"removed"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	SubjectRecognize  = "asr.recognize"
	SubjectCachePurge = "asr.cache.purge"
)
