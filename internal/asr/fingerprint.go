package asr

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// Fingerprint is a content checksum over audio bytes. It keys the result cache and
// carries no integrity guarantee.
type Fingerprint string

// FingerprintOf hashes data with BLAKE3-256.
func FingerprintOf(data []byte) Fingerprint {
	sum := blake3.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func (f Fingerprint) String() string { return string(f) }

// Short is the leading 12 hex digits, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
