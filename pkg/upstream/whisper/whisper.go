// Package whisper provides an upstream.Caller for a running whisper.cpp
// server (the whisper-server binary, which exposes POST /inference).
//
// Each request's PCM payload is wrapped in a WAV container and submitted as a
// multipart form upload. The server is a batch engine, so one chunk maps to
// exactly one inference request.
//
// Usage:
//
//	c, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	conn, _ := c.Dialer().Dial(ctx, c.Host())
//	resp, err := c.Call(ctx, conn, req)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 512

// Compile-time assertion that Caller implements upstream.Caller.
var _ upstream.Caller = (*Caller)(nil)

// Option is a functional option for configuring a Caller.
type Option func(*Caller)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(c *Caller) {
		c.model = model
	}
}

// WithLanguage sets the default language code sent to the server when a
// request carries none (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(c *Caller) {
		c.language = lang
	}
}

// Caller implements upstream.Caller against a whisper.cpp server.
type Caller struct {
	serverURL string
	host      string
	model     string
	language  string
	dialer    *upstream.HTTPDialer
}

// New creates a Caller for the whisper.cpp server at serverURL.
func New(serverURL string, opts ...Option) (*Caller, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("whisper: invalid server URL %q", serverURL)
	}
	serverURL = strings.TrimRight(serverURL, "/")
	c := &Caller{
		serverURL: serverURL,
		host:      u.Host,
		language:  "en",
		dialer:    &upstream.HTTPDialer{BaseURL: serverURL + "/"},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Name implements upstream.Caller.
func (c *Caller) Name() string { return "whisper" }

// Host implements upstream.Caller.
func (c *Caller) Host() string { return c.host }

// Dialer implements upstream.Caller.
func (c *Caller) Dialer() upstream.Dialer { return c.dialer }

// Call encodes req.Audio as a WAV file and POSTs it to the /inference
// endpoint as multipart/form-data.
func (c *Caller) Call(ctx context.Context, conn io.Closer, req upstream.Request) (upstream.Response, error) {
	client, err := upstream.HTTPClient(conn)
	if err != nil {
		return upstream.Response{}, err
	}
	format := req.Format
	if !format.Valid() {
		format = audio.DefaultFormat
	}
	wav := audio.EncodeWAV(req.Audio, format)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	// Primary audio field.
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return upstream.Response{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return upstream.Response{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	// Optional hint fields.
	lang := req.Language
	if lang == "" {
		lang = c.language
	}
	fields := map[string]string{
		"language":        lang,
		"model":           c.model,
		"prompt":          req.Prompt,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return upstream.Response{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return upstream.Response{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/inference", &body)
	if err != nil {
		return upstream.Response{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return upstream.Response{}, upstream.TransportError(fmt.Errorf("whisper: http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return upstream.Response{}, upstream.StatusError(resp.StatusCode, resp.Header, strings.TrimSpace(string(excerpt)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return upstream.Response{}, upstream.TransportError(fmt.Errorf("whisper: read response body: %w", err))
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return upstream.Response{}, upstream.TransportError(fmt.Errorf("whisper: parse JSON response: %w", err))
	}
	// whisper-server reports some failures as 200 with an error field.
	if result.Error != "" {
		return upstream.Response{}, &upstream.Error{
			Kind:       upstream.KindRejected,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("whisper: server error: %s", result.Error),
		}
	}

	detected := result.Language
	if detected == "" {
		detected = lang
	}
	return upstream.Response{
		Text:     strings.TrimSpace(result.Text),
		Language: detected,
		Duration: time.Since(start),
	}, nil
}
