// Package deepgram provides an upstream.Caller backed by the Deepgram
// streaming WebSocket API.
//
// Each pooled connection is one open /v1/listen socket. A call streams the
// chunk's PCM as binary frames, sends a Finalize control message and collects
// final results until Deepgram answers with from_finalize, so one socket
// serves many sequential chunks without reconnecting.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// frameBytes is the size of each binary audio frame written to the socket.
	frameBytes = 32 * 1024
)

// Compile-time assertion that Caller implements upstream.Caller.
var _ upstream.Caller = (*Caller)(nil)

// Option is a functional option for configuring the Deepgram Caller.
type Option func(*Caller)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(c *Caller) {
		c.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(c *Caller) {
		c.language = language
	}
}

// WithFormat sets the PCM format announced when a socket is opened.
func WithFormat(f audio.Format) Option {
	return func(c *Caller) {
		c.format = f
	}
}

// WithEndpoint overrides the listen endpoint (tests, self-hosted Deepgram).
func WithEndpoint(endpoint string) Option {
	return func(c *Caller) {
		c.endpoint = endpoint
	}
}

// Caller implements upstream.Caller backed by the Deepgram streaming API.
type Caller struct {
	apiKey   string
	endpoint string
	model    string
	language string
	format   audio.Format
}

// New creates a new Deepgram Caller. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Caller, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	c := &Caller{
		apiKey:   apiKey,
		endpoint: deepgramEndpoint,
		model:    defaultModel,
		language: defaultLanguage,
		format:   audio.DefaultFormat,
	}
	for _, o := range opts {
		o(c)
	}
	if _, err := url.Parse(c.endpoint); err != nil {
		return nil, fmt.Errorf("deepgram: invalid endpoint: %w", err)
	}
	return c, nil
}

// Name implements upstream.Caller.
func (c *Caller) Name() string { return "deepgram" }

// Host implements upstream.Caller.
func (c *Caller) Host() string {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return c.endpoint
	}
	return u.Host
}

// Dialer implements upstream.Caller.
func (c *Caller) Dialer() upstream.Dialer { return &Dialer{caller: c} }

// buildURL constructs the streaming endpoint URL. Recognition parameters are
// fixed per socket, so every request on a connection shares them.
func (c *Caller) buildURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", c.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.format.SampleRate))
	q.Set("channels", strconv.Itoa(c.format.Channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- connections ----

// Conn is one open Deepgram socket.
type Conn struct {
	ws *websocket.Conn
}

// Close terminates the socket cleanly.
func (c *Conn) Close() error {
	_ = c.ws.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
	return c.ws.Close(websocket.StatusNormalClosure, "connection released")
}

// Dialer opens Deepgram sockets for a Caller.
type Dialer struct {
	caller *Caller
}

// Dial implements upstream.Dialer. host is ignored; the socket goes to the
// caller's endpoint.
func (d *Dialer) Dial(ctx context.Context, _ string) (io.Closer, error) {
	wsURL, err := d.caller.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.caller.apiKey)

	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, upstream.StatusError(resp.StatusCode, resp.Header, "websocket upgrade refused")
		}
		return nil, upstream.TransportError(fmt.Errorf("deepgram: dial: %w", err))
	}
	ws.SetReadLimit(1 << 20)
	return &Conn{ws: ws}, nil
}

// Probe implements upstream.Dialer by sending a KeepAlive control message.
func (d *Dialer) Probe(ctx context.Context, conn io.Closer) error {
	c, ok := conn.(*Conn)
	if !ok {
		return fmt.Errorf("deepgram: probe: unexpected connection type %T", conn)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
		return fmt.Errorf("deepgram: keepalive: %w", err)
	}
	return nil
}

// ---- calls ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Call implements upstream.Caller. It streams req.Audio and blocks until the
// finalized transcript for it has been received.
func (c *Caller) Call(ctx context.Context, conn io.Closer, req upstream.Request) (upstream.Response, error) {
	dc, ok := conn.(*Conn)
	if !ok {
		return upstream.Response{}, fmt.Errorf("deepgram: expected *deepgram.Conn, got %T", conn)
	}
	start := time.Now()

	for off := 0; off < len(req.Audio); off += frameBytes {
		end := min(off+frameBytes, len(req.Audio))
		if err := dc.ws.Write(ctx, websocket.MessageBinary, req.Audio[off:end]); err != nil {
			return upstream.Response{}, wsError("write audio", err)
		}
	}
	if err := dc.ws.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return upstream.Response{}, wsError("finalize", err)
	}

	var parts []string
	for {
		_, msg, err := dc.ws.Read(ctx)
		if err != nil {
			return upstream.Response{}, wsError("read", err)
		}
		text, final, done := parseResult(msg)
		if final && text != "" {
			parts = append(parts, text)
		}
		if done {
			break
		}
	}

	return upstream.Response{
		Text:     strings.Join(parts, " "),
		Language: c.language,
		Duration: time.Since(start),
	}, nil
}

// parseResult extracts a final transcript from a Results message. done is set
// once Deepgram signals that the Finalize request has been honoured.
func parseResult(data []byte) (text string, final, done bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, false
	}
	if resp.Type != "Results" {
		return "", false, false
	}
	if len(resp.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
	}
	return text, resp.IsFinal, resp.FromFinalize
}

// wsError classifies a socket failure. A policy-violation close means
// Deepgram refused the audio itself.
func wsError(op string, err error) error {
	wrapped := fmt.Errorf("deepgram: %s: %w", op, err)
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation, websocket.StatusUnsupportedData, websocket.StatusInvalidFramePayloadData:
		return &upstream.Error{Kind: upstream.KindRejected, Err: wrapped}
	}
	return upstream.TransportError(wrapped)
}
