package asr

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

// ProviderID names a remote recognition service.
type ProviderID string

const (
	ProviderBcut     ProviderID = "bcut"
	ProviderJianYing ProviderID = "jianying"
	ProviderKuaishou ProviderID = "kuaishou"
)

// KnownProviders is the closed set of provider identifiers.
func KnownProviders() []ProviderID {
	return []ProviderID{ProviderBcut, ProviderJianYing, ProviderKuaishou}
}

// ParseProviderID validates a caller-supplied provider name.
func ParseProviderID(name string) (ProviderID, error) {
	for _, id := range KnownProviders() {
		if string(id) == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, name)
}

// Input is the audio handed to a provider adapter.
type Input struct {
	Data        []byte
	Format      audio.Format
	Fingerprint Fingerprint
}

// Provider speaks one remote service's wire protocol. Recognize blocks until the
// provider reports a terminal result, the adapter's own timeout expires or ctx is
// done.
type Provider interface {
	ID() ProviderID
	Recognize(ctx context.Context, in Input) (Result, error)
}
