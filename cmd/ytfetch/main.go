// Command ytfetch transcribes audio files through the rate-aware dispatch
// pipeline, or runs it as a long-lived service exposing /metrics, /healthz,
// /readyz and job views.
//
// Usage:
//
//	ytfetch -config config.yaml episode.wav     # transcribe and print
//	ytfetch -config config.yaml                 # serve until interrupted
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lliWcWill/ytFetch-sub002/internal/app"
	"github.com/lliWcWill/ytFetch-sub002/internal/config"
	"github.com/lliWcWill/ytFetch-sub002/internal/observe"
	"github.com/lliWcWill/ytFetch-sub002/internal/scheduler"
	"github.com/lliWcWill/ytFetch-sub002/pkg/audio"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream/deepgram"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream/mock"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream/openai"
	"github.com/lliWcWill/ytFetch-sub002/pkg/upstream/whisper"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitPartial = 2
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	model := flag.String("model", "", "override the upstream model for this job")
	language := flag.String("language", "", "language hint passed to the upstream")
	deadline := flag.Duration("deadline", 0, "finish the job within this duration (0 = no deadline)")
	sampleRate := flag.Int("rate", audio.DefaultFormat.SampleRate, "sample rate of raw PCM input")
	channels := flag.Int("channels", audio.DefaultFormat.Channels, "channel count of raw PCM input")
	watch := flag.Bool("watch", true, "hot-reload the config file while serving")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ytfetch: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ytfetch: %v\n", err)
		}
		return exitError
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("ytfetch starting",
		"version", version,
		"config", *configPath,
		"upstream", cfg.Upstream.Name,
		"model", cfg.Upstream.Model,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "ytfetch",
		ServiceVersion: version,
		Upstream:       cfg.Upstream.Name,
		DefaultModel:   cfg.Upstream.Model,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitError
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Upstream ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinUpstreams(reg)
	caller, err := reg.Create(cfg.Upstream)
	if err != nil {
		slog.Error("failed to build upstream", "err", err)
		return exitError
	}

	application, err := app.New(ctx, cfg, caller, app.WithLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return exitError
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(runCtx) }()

	code := exitOK
	if path := flag.Arg(0); path != "" {
		format := audio.Format{SampleRate: *sampleRate, Channels: *channels}
		code = transcribeFile(ctx, application, path, format, app.Submission{
			Model:    *model,
			Language: *language,
			Deadline: deadlineFrom(*deadline),
		})
		cancelRun()
	} else {
		if *watch {
			w, err := config.NewWatcher(*configPath, application.Reload)
			if err != nil {
				slog.Warn("config watcher disabled", "err", err)
			} else {
				go w.Run(runCtx)
			}
		}
		slog.Info("server ready, press Ctrl+C to shut down")
	}

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = exitError
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return exitError
	}
	return code
}

// transcribeFile submits one file, waits for it and prints the transcript to
// stdout. Interrupting cancels the job; the partial transcript is still
// printed.
func transcribeFile(ctx context.Context, a *app.App, path string, format audio.Format, sub app.Submission) int {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("open input", "err", err)
		return exitError
	}
	defer f.Close()

	sub.Source, sub.Format, err = openSource(f, filepath.Base(path), format)
	if err != nil {
		slog.Error("read input", "path", path, "err", err)
		return exitError
	}

	h, err := a.Submit(ctx, sub)
	if err != nil {
		slog.Error("submit job", "err", err)
		return exitError
	}

	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.Done():
		}
	}()

	res, err := h.Wait(context.Background())
	if res == nil {
		slog.Error("job failed", "job_id", h.ID(), "err", err)
		return exitError
	}
	if res.Text != "" {
		fmt.Println(res.Text)
	}
	if err != nil {
		slog.Warn("job ended early", "job_id", res.JobID, "err", err)
	}
	for _, ce := range res.Errors {
		slog.Warn("chunk not transcribed", "job_id", res.JobID, "chunk", ce.Index, "reason", ce.Reason, "attempts", ce.Attempts, "err", ce.Err)
	}
	slog.Info("job finished",
		"job_id", res.JobID,
		"status", res.Status,
		"chunks", len(res.Chunks),
		"degraded", res.Degraded,
		"elapsed", res.Finished.Sub(res.Started).Round(time.Millisecond),
	)

	switch res.Status {
	case scheduler.StatusSucceeded:
		return exitOK
	case scheduler.StatusPartial:
		return exitPartial
	default:
		return exitError
	}
}

// openSource exposes the PCM payload of f. WAV input is detected by its
// header; anything else is treated as raw PCM in rawFormat.
func openSource(f *os.File, id string, rawFormat audio.Format) (scheduler.Source, audio.Format, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, audio.Format{}, err
	}
	return sourceFrom(f, st.Size(), id, rawFormat)
}

func sourceFrom(r io.ReaderAt, size int64, id string, rawFormat audio.Format) (scheduler.Source, audio.Format, error) {
	info, err := audio.ReadWAVHeader(r, size)
	switch {
	case err == nil:
		return scheduler.NewSource(id, r, info.DataOffset, info.DataSize), info.Format, nil
	case errors.Is(err, audio.ErrNotWAV) || errors.Is(err, io.EOF):
		if !rawFormat.Valid() {
			return nil, audio.Format{}, fmt.Errorf("invalid raw PCM format %+v", rawFormat)
		}
		return scheduler.NewSource(id, r, 0, size), rawFormat, nil
	default:
		return nil, audio.Format{}, err
	}
}

func deadlineFrom(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

// ── Upstream wiring ───────────────────────────────────────────────────────────

// registerBuiltinUpstreams wires all built-in upstream factories into reg.
// Each factory receives a config.UpstreamEntry and constructs the caller from
// the real implementation packages.
func registerBuiltinUpstreams(reg *config.Registry) {
	// openai also serves any OpenAI-compatible endpoint through BaseURL
	// (Groq, local servers).
	reg.Register("openai", func(entry config.UpstreamEntry) (upstream.Caller, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, opts...)
	})

	reg.Register("whisper", func(entry config.UpstreamEntry) (upstream.Caller, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.Register("deepgram", func(entry config.UpstreamEntry) (upstream.Caller, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// mock answers locally; useful for dry runs of capacity settings.
	reg.Register("mock", func(entry config.UpstreamEntry) (upstream.Caller, error) {
		c := &mock.Caller{HostName: "mock"}
		if s := config.OptString(entry.Options, "latency"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("mock: options.latency: %w", err)
			}
			c.Latency = d
		}
		return c, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered upstream", "name", name)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
