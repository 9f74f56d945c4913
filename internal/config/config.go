// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for voxtrigger.
package config

import (
	"time"

	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the event log backend.
type StoreDriver string

const (
	StoreSQLite   StoreDriver = "sqlite"
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a known driver.
func (d StoreDriver) IsValid() bool {
	return d == StoreSQLite || d == StorePostgres
}

// Defaults applied by [LoadFromReader] to fields left unset.
const (
	DefaultLogLevel         = LogInfo
	DefaultSampleRate       = 16000
	DefaultChannels         = 1
	DefaultFrameMs          = 20
	DefaultQueueCapacity    = 25
	DefaultThreshold        = 0.8
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultRestartBackoff   = time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultEngineSampleRate = 16000
)

// Config is the root configuration structure for voxtrigger.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Audio      AudioConfig      `yaml:"audio"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Matcher    MatcherConfig    `yaml:"matcher"`
	Phrases    []PhraseConfig   `yaml:"phrases"`
	Events     EventsConfig     `yaml:"events"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g., ":8080").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of root spans kept, in [0, 1].
	// Zero keeps every span.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry is the common configuration block shared by recognizers and
// capture sources. Name selects the factory in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "vosk", "portaudio").
	Name string `yaml:"name"`

	// Model is a model path or name, for recognizers that need one.
	Model string `yaml:"model"`

	// BaseURL is the server address of remote recognizers.
	BaseURL string `yaml:"base_url"`

	// Options holds implementation-specific values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig describes the capture side.
type AudioConfig struct {
	Source ProviderEntry `yaml:"source"`

	// SampleRate and Channels are requested from the capture device.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameMs is the duration of one captured frame.
	FrameMs int `yaml:"frame_ms"`

	// QueueCapacity is the frame queue size in frames.
	QueueCapacity int `yaml:"queue_capacity"`

	// OverflowPolicy is "drop_oldest" (default) or "drop_newest".
	OverflowPolicy string `yaml:"overflow_policy"`
}

// Format returns the configured capture format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}
}

// FrameDuration returns the configured frame length.
func (a AudioConfig) FrameDuration() time.Duration {
	return time.Duration(a.FrameMs) * time.Millisecond
}

// RecognizerConfig selects the speech recognizer.
type RecognizerConfig struct {
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary cannot create an engine.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Language is a BCP-47 hint for multilingual models.
	Language string `yaml:"language"`

	// SampleRate is the rate fed to the engine. Captured audio is resampled
	// when it differs.
	SampleRate int `yaml:"sample_rate"`

	Restart RestartConfig `yaml:"restart"`
}

// RestartConfig controls how failed recognition sessions are restarted.
type RestartConfig struct {
	// MaxFailures opens the restart circuit after this many consecutive
	// session failures.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the open circuit waits before allowing a
	// probe restart.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// Backoff is the delay before the first restart; it doubles per
	// consecutive failure up to MaxBackoff.
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// MatcherConfig tunes phrase matching.
type MatcherConfig struct {
	// Method names the scoring method (see match.Methods). Default: weighted.
	Method string `yaml:"method"`

	// MaxTranscriptLength caps transcript length in runes before matching.
	MaxTranscriptLength int `yaml:"max_transcript_length"`

	// FullScanBelow disables candidate pre-filtering for small registries.
	FullScanBelow int `yaml:"full_scan_below"`

	// ScorePartials reports partial transcripts that match as candidate
	// events.
	ScorePartials bool `yaml:"score_partials"`
}

// PhraseConfig is one registered command phrase.
type PhraseConfig struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`

	// Threshold is the minimum score in [0, 1]. Default: [DefaultThreshold].
	Threshold *float64 `yaml:"threshold"`

	// Cooldown is the minimum time between two triggers of this phrase.
	Cooldown time.Duration `yaml:"cooldown"`
}

// Spec converts p to a registry entry spec.
func (p PhraseConfig) Spec() phrase.Spec {
	th := DefaultThreshold
	if p.Threshold != nil {
		th = *p.Threshold
	}
	return phrase.Spec{ID: p.ID, Text: p.Text, Threshold: th, Cooldown: p.Cooldown}
}

// PhraseSpecs converts all configured phrases.
func (c *Config) PhraseSpecs() []phrase.Spec {
	out := make([]phrase.Spec, len(c.Phrases))
	for i, p := range c.Phrases {
		out[i] = p.Spec()
	}
	return out
}

// EventsConfig selects where dispatcher events are sent besides the log.
type EventsConfig struct {
	// WebSocket enables the /events WebSocket broadcast.
	WebSocket bool `yaml:"websocket"`

	// Candidates also forwards candidate (partial match) events to the
	// WebSocket and NATS sinks.
	Candidates bool `yaml:"candidates"`

	NATS  NATSConfig  `yaml:"nats"`
	Store StoreConfig `yaml:"store"`
}

// NATSConfig configures the NATS publisher. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// StoreConfig configures the persistent event log. An empty Driver disables
// it.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

// applyDefaults fills unset fields with their defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.FrameMs == 0 {
		a.FrameMs = DefaultFrameMs
	}
	if a.QueueCapacity == 0 {
		a.QueueCapacity = DefaultQueueCapacity
	}
	r := &cfg.Recognizer
	if r.SampleRate == 0 {
		r.SampleRate = DefaultEngineSampleRate
	}
	if r.Restart.MaxFailures == 0 {
		r.Restart.MaxFailures = DefaultMaxFailures
	}
	if r.Restart.ResetTimeout == 0 {
		r.Restart.ResetTimeout = DefaultResetTimeout
	}
	if r.Restart.Backoff == 0 {
		r.Restart.Backoff = DefaultRestartBackoff
	}
	if r.Restart.MaxBackoff == 0 {
		r.Restart.MaxBackoff = DefaultMaxBackoff
	}
}
