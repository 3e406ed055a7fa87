package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownUpstreams lists the upstream names that ship with the dispatcher.
// Used by [Validate] to warn about unrecognised names.
var KnownUpstreams = []string{"openai", "whisper", "deepgram", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	if cfg.Upstream.Name == "" {
		errs = append(errs, errors.New("upstream.name is required"))
	} else if !slices.Contains(KnownUpstreams, cfg.Upstream.Name) {
		slog.Warn("unknown upstream name, may be a typo or third-party upstream",
			"name", cfg.Upstream.Name,
			"known", KnownUpstreams,
		)
	}

	// Dispatch
	d := cfg.Dispatch
	for model, c := range d.CapacityByModel {
		if c <= 0 {
			errs = append(errs, fmt.Errorf("dispatch.capacity_by_model[%q] must be positive, got %d", model, c))
		}
	}
	for model, c := range d.ConcurrencyByModel {
		if c < 0 {
			errs = append(errs, fmt.Errorf("dispatch.concurrency_by_model[%q] must not be negative, got %d", model, c))
		}
	}
	if d.DefaultCapacity < 0 {
		errs = append(errs, fmt.Errorf("dispatch.default_capacity must not be negative, got %d", d.DefaultCapacity))
	}
	if model := cfg.Upstream.Model; model != "" && d.DefaultCapacity == 0 {
		if _, ok := d.CapacityByModel[model]; !ok {
			errs = append(errs, fmt.Errorf("upstream.model %q has no entry in dispatch.capacity_by_model and dispatch.default_capacity is 0", model))
		}
	}
	errs = appendPositive(errs, "dispatch.rate_window", d.RateWindow)
	errs = appendPositive(errs, "dispatch.retry_base_delay", d.RetryBaseDelay)
	errs = appendPositive(errs, "dispatch.call_timeout", d.CallTimeout)
	errs = appendPositive(errs, "dispatch.resize_interval", d.ResizeInterval)
	if d.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_workers must be at least 1, got %d", d.MaxWorkers))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", d.MaxAttempts))
	}
	if d.RetryMaxDelay < d.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("dispatch.retry_max_delay %s is below retry_base_delay %s", d.RetryMaxDelay, d.RetryBaseDelay))
	}

	// Chunking
	ch := cfg.Chunking
	if ch.MinDuration <= 0 || ch.MinDuration > ch.TargetDuration || ch.TargetDuration > ch.MaxDuration {
		errs = append(errs, fmt.Errorf("chunking durations must satisfy 0 < min (%s) <= target (%s) <= max (%s)",
			ch.MinDuration, ch.TargetDuration, ch.MaxDuration))
	}
	if ch.BlockAlign < 0 || ch.BlockAlign%2 != 0 {
		errs = append(errs, fmt.Errorf("chunking.block_align must be a non-negative multiple of 2, got %d", ch.BlockAlign))
	}

	// Circuit
	cc := cfg.Circuit
	if cc.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("circuit.failure_threshold must be at least 1, got %d", cc.FailureThreshold))
	}
	errs = appendPositive(errs, "circuit.base_cooldown", cc.BaseCooldown)
	if cc.MaxCooldown < cc.BaseCooldown {
		errs = append(errs, fmt.Errorf("circuit.max_cooldown %s is below base_cooldown %s", cc.MaxCooldown, cc.BaseCooldown))
	}
	if cc.JitterFraction < 0 || cc.JitterFraction >= 1 {
		errs = append(errs, fmt.Errorf("circuit.jitter_fraction %.2f is out of range [0, 1)", cc.JitterFraction))
	}

	// Dedup
	if !cfg.Dedup.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("dedup.policy %q is invalid; valid values: exact, semantic", cfg.Dedup.Policy))
	}
	errs = appendPositive(errs, "dedup.ttl", cfg.Dedup.TTL)

	// Pool
	p := cfg.Pool
	if p.MaxConnectionsPerHost < 1 {
		errs = append(errs, fmt.Errorf("pool.max_connections_per_host must be at least 1, got %d", p.MaxConnectionsPerHost))
	}
	if p.MinIdle < 0 || p.MinIdle > p.MaxConnectionsPerHost {
		errs = append(errs, fmt.Errorf("pool.min_idle %d is out of range [0, %d]", p.MinIdle, p.MaxConnectionsPerHost))
	}
	if p.DialRate < 0 {
		errs = append(errs, fmt.Errorf("pool.dial_rate must not be negative, got %.2f", p.DialRate))
	}
	errs = appendPositive(errs, "pool.acquire_timeout", p.AcquireTimeout)

	// Soft checks
	if p.MaxConnectionsPerHost < d.MaxWorkers {
		slog.Warn("pool.max_connections_per_host is below dispatch.max_workers; workers will queue for connections",
			"max_connections_per_host", p.MaxConnectionsPerHost,
			"max_workers", d.MaxWorkers,
		)
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; jobs are kept in memory only")
	}

	return errors.Join(errs...)
}

func appendPositive[T ~int64](errs []error, field string, v T) []error {
	if v <= 0 {
		return append(errs, fmt.Errorf("%s must be positive", field))
	}
	return errs
}
