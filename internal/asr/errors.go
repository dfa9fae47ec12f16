package asr

import (
	"context"
	"errors"
)

// Error kinds. Adapters wrap one of these with fmt.Errorf("%w: ...") so callers
// can test with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrProviderUnreachable = errors.New("provider unreachable")
	ErrProviderJobFailed   = errors.New("provider job failed")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderProtocol    = errors.New("provider protocol error")
	ErrMalformedResult     = errors.New("malformed result")
	ErrCacheIO             = errors.New("cache io error")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrProviderUnreachable, "provider_unreachable"},
	{ErrProviderJobFailed, "provider_job_failed"},
	{ErrProviderTimeout, "provider_timeout"},
	{ErrProviderProtocol, "provider_protocol_error"},
	{ErrMalformedResult, "malformed_result"},
	{ErrCacheIO, "cache_io_error"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "deadline_exceeded"},
}

// Kind names the taxonomy bucket of err for wire replies and metric labels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
