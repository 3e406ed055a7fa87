// Package openai provides an upstream.Caller backed by the OpenAI audio
// transcription API (POST /v1/audio/transcriptions).
//
// Each call runs over the pooled HTTP connection handed in by the dispatch
// layer, and the SDK's own retry loop is disabled: retries, backoff and
// throttling are owned by the scheduler.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
)

// DefaultBaseURL is the public OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1/"

// DefaultModel is used when the request names no model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Caller implements the upstream.Caller interface.
var _ upstream.Caller = (*Caller)(nil)

// Caller implements upstream.Caller using the OpenAI SDK.
type Caller struct {
	client oai.Client
	host   string
	dialer *upstream.HTTPDialer
}

// config holds optional configuration for the caller.
type config struct {
	baseURL      string
	organization string
}

// Option is a functional option for Caller.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL (e.g. for Groq or a
// local OpenAI-compatible server).
func WithBaseURL(u string) Option {
	return func(c *config) {
		c.baseURL = u
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// New constructs an OpenAI transcription Caller.
func New(apiKey string, opts ...Option) (*Caller, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	cfg := &config{baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}
	u, err := url.Parse(cfg.baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("openai: invalid base URL %q", cfg.baseURL)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithMaxRetries(0),
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}

	return &Caller{
		client: oai.NewClient(reqOpts...),
		host:   u.Host,
		dialer: &upstream.HTTPDialer{BaseURL: cfg.baseURL},
	}, nil
}

// Name implements upstream.Caller.
func (c *Caller) Name() string { return "openai" }

// Host implements upstream.Caller.
func (c *Caller) Host() string { return c.host }

// Dialer implements upstream.Caller.
func (c *Caller) Dialer() upstream.Dialer { return c.dialer }

// Call implements upstream.Caller. The PCM payload is wrapped in a WAV
// container and uploaded as multipart form data.
func (c *Caller) Call(ctx context.Context, conn io.Closer, req upstream.Request) (upstream.Response, error) {
	hc, err := upstream.HTTPClient(conn)
	if err != nil {
		return upstream.Response{}, err
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	format := req.Format
	if !format.Valid() {
		format = audio.DefaultFormat
	}
	wav := audio.EncodeWAV(req.Audio, format)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), fmt.Sprintf("chunk-%05d.wav", req.Index), "audio/wav"),
		Model: model,
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = param.NewOpt(req.Prompt)
	}

	start := time.Now()
	resp, err := c.client.Audio.Transcriptions.New(ctx, params, option.WithHTTPClient(hc))
	if err != nil {
		return upstream.Response{}, classify(err)
	}
	return upstream.Response{
		Text:     resp.Text,
		Language: req.Language,
		Duration: time.Since(start),
	}, nil
}

// classify maps SDK errors onto upstream.Error.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		var e *upstream.Error
		if apiErr.Response != nil {
			e = upstream.StatusError(apiErr.StatusCode, apiErr.Response.Header, apiErr.Message)
		} else {
			e = upstream.StatusError(apiErr.StatusCode, nil, apiErr.Message)
		}
		e.Err = fmt.Errorf("openai: %w", err)
		return e
	}
	return upstream.TransportError(fmt.Errorf("openai: transcribe: %w", err))
}
