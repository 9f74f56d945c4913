package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxtrigger/internal/match"
	"github.com/MrWong99/voxtrigger/pkg/audio"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"vosk", "whisper", "whisper-native", "mock"},
	"audio": {"portaudio", "wavfile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
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
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}

	// Audio
	a := cfg.Audio
	if a.Source.Name == "" {
		errs = append(errs, errors.New("audio.source.name is required"))
	}
	validateProviderName("audio", a.Source.Name)
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	if a.FrameMs < 0 || a.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [1, 1000]", a.FrameMs))
	}
	if a.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_capacity %d must not be negative", a.QueueCapacity))
	}
	if _, err := audio.ParseOverflowPolicy(a.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("audio.overflow_policy %q is invalid; valid values: drop_oldest, drop_newest", a.OverflowPolicy))
	}

	// Recognizer
	r := cfg.Recognizer
	if r.Primary.Name == "" {
		errs = append(errs, errors.New("recognizer.primary.name is required"))
	}
	validateProviderName("stt", r.Primary.Name)
	for i, fb := range r.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("recognizer.fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if r.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("recognizer.sample_rate %d must not be negative", r.SampleRate))
	}
	rs := r.Restart
	if rs.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("recognizer.restart.max_failures %d must not be negative", rs.MaxFailures))
	}
	if rs.ResetTimeout < 0 || rs.Backoff < 0 || rs.MaxBackoff < 0 {
		errs = append(errs, errors.New("recognizer.restart durations must not be negative"))
	}
	if rs.MaxBackoff > 0 && rs.Backoff > rs.MaxBackoff {
		errs = append(errs, fmt.Errorf("recognizer.restart.backoff %s exceeds max_backoff %s", rs.Backoff, rs.MaxBackoff))
	}

	// Matcher
	m := cfg.Matcher
	if _, err := match.ParseMethod(m.Method); err != nil {
		errs = append(errs, fmt.Errorf("matcher.method %q is invalid; valid values: %v", m.Method, match.Methods))
	}
	if m.MaxTranscriptLength < 0 {
		errs = append(errs, fmt.Errorf("matcher.max_transcript_length %d must not be negative", m.MaxTranscriptLength))
	}
	if m.FullScanBelow < 0 {
		errs = append(errs, fmt.Errorf("matcher.full_scan_below %d must not be negative", m.FullScanBelow))
	}

	// Phrases
	idsSeen := make(map[string]int, len(cfg.Phrases))
	for i, p := range cfg.Phrases {
		prefix := fmt.Sprintf("phrases[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[p.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of phrases[%d]", prefix, p.ID, prev))
			}
			idsSeen[p.ID] = i
		}
		if p.Text == "" {
			errs = append(errs, fmt.Errorf("%s.text is required", prefix))
		}
		if p.Threshold != nil && (math.IsNaN(*p.Threshold) || *p.Threshold < 0 || *p.Threshold > 1) {
			errs = append(errs, fmt.Errorf("%s.threshold %v is out of range [0, 1]", prefix, *p.Threshold))
		}
		if p.Cooldown < 0 {
			errs = append(errs, fmt.Errorf("%s.cooldown %s must not be negative", prefix, p.Cooldown))
		}
	}
	if len(cfg.Phrases) == 0 {
		slog.Warn("config: no phrases configured; nothing will ever trigger")
	}

	// Events
	st := cfg.Events.Store
	if st.Driver != "" {
		if !st.Driver.IsValid() {
			errs = append(errs, fmt.Errorf("events.store.driver %q is invalid; valid values: sqlite, postgres", st.Driver))
		}
		if st.DSN == "" {
			errs = append(errs, errors.New("events.store.dsn is required when a driver is set"))
		}
	}
	if cfg.Events.NATS.Subject != "" && cfg.Events.NATS.URL == "" {
		slog.Warn("config: events.nats.subject is set but events.nats.url is empty; NATS publishing disabled")
	}
	if cfg.Events.WebSocket && cfg.Server.ListenAddr == "" {
		slog.Warn("config: events.websocket needs server.listen_addr; WebSocket events disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
