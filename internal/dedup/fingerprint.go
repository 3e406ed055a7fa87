package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Fingerprint is a deterministic digest of a request's content. It never
// depends on time of submission, so identical retries collapse.
type Fingerprint [sha256.Size]byte

// String returns the first 16 hex digits, enough for logs.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:8]) }

// Key carries everything a [Fingerprinter] may look at.
type Key struct {
	// Endpoint is the logical upstream endpoint (model).
	Endpoint string
	// Language is the transcription language hint; different hints never
	// share a result.
	Language string
	// Payload is the exact request body.
	Payload []byte
	// SourceID identifies the audio the payload was cut from.
	SourceID string
	// Start and End bound the payload within the source.
	Start, End time.Duration
}

// Fingerprinter derives the dedup key of a request.
type Fingerprinter interface {
	Fingerprint(k Key) Fingerprint
}

// Policy names a fingerprinting strategy.
type Policy string

const (
	// PolicyExact keys on endpoint, language and byte-identical payload.
	PolicyExact Policy = "exact"
	// PolicySemantic keys on endpoint, language, source and time range, so the same
	// slice of the same audio collapses even if re-encoded.
	PolicySemantic Policy = "semantic"
)

// IsValid reports whether p is a recognised policy.
func (p Policy) IsValid() bool {
	return p == PolicyExact || p == PolicySemantic
}

// ForPolicy returns the [Fingerprinter] for p. The empty policy means exact.
func ForPolicy(p Policy) (Fingerprinter, error) {
	switch p {
	case PolicyExact, "":
		return ExactFingerprinter{}, nil
	case PolicySemantic:
		return SemanticFingerprinter{}, nil
	default:
		return nil, fmt.Errorf("dedup: unknown fingerprint policy %q", p)
	}
}

// ExactFingerprinter hashes the endpoint, language and payload bytes.
type ExactFingerprinter struct{}

// Fingerprint implements [Fingerprinter].
func (ExactFingerprinter) Fingerprint(k Key) Fingerprint {
	h := sha256.New()
	writeField(h, []byte(k.Endpoint))
	writeField(h, []byte(k.Language))
	writeField(h, k.Payload)
	var f Fingerprint
	h.Sum(f[:0])
	return f
}

// SemanticFingerprinter hashes the endpoint, language, source and time range.
type SemanticFingerprinter struct{}

// Fingerprint implements [Fingerprinter].
func (SemanticFingerprinter) Fingerprint(k Key) Fingerprint {
	h := sha256.New()
	writeField(h, []byte(k.Endpoint))
	writeField(h, []byte(k.Language))
	writeField(h, []byte(k.SourceID))
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(k.Start))
	binary.BigEndian.PutUint64(buf[8:], uint64(k.End))
	h.Write(buf[:])
	var f Fingerprint
	h.Sum(f[:0])
	return f
}

// writeField length-prefixes b so that ("ab","c") and ("a","bc") differ.
func writeField(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
