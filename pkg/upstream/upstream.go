// Package upstream defines the contract between the dispatch layer and a
// speech-recognition API.
//
// A [Caller] turns one [Request] (a slice of PCM audio plus recognition
// hints) into one [Response] over a pooled connection produced by its
// [Dialer]. Implementations live in sub-packages (openai, whisper, deepgram,
// mock) and must report failures as [*Error] so the scheduler can tell a
// transient transport failure from a throttle or a permanent rejection.
package upstream

import (
	"context"
	"io"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
)

// Request is a single transcription call.
type Request struct {
	// Model is the logical endpoint (e.g. "whisper-1", "nova-3").
	Model string

	// Audio is raw 16-bit little-endian PCM in Format.
	Audio  []byte
	Format audio.Format

	// Language is a BCP-47 hint. Empty lets the provider auto-detect.
	Language string

	// Prompt is optional context carried over from the previous chunk.
	Prompt string

	// Index is the chunk sequence number, used only for logging.
	Index int
}

// Response is the provider's transcription of one [Request].
type Response struct {
	Text     string
	Language string
	Duration time.Duration
}

// Dialer opens and health-checks connections for a [Caller]. It matches the
// connection pool's dialer contract.
type Dialer interface {
	Dial(ctx context.Context, host string) (io.Closer, error)
	Probe(ctx context.Context, conn io.Closer) error
}

// Caller performs transcription calls against one provider.
//
// Implementations must be safe for concurrent use; each call receives its own
// connection, which it must not close or retain.
type Caller interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Host is the pool key for the provider's connections.
	Host() string

	// Dialer returns the dialer that opens connections for Call.
	Dialer() Dialer

	// Call transcribes req over conn.
	Call(ctx context.Context, conn io.Closer, req Request) (Response, error)
}
