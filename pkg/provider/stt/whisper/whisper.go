// Package whisper provides whisper.cpp-backed recognizer engines.
//
// whisper.cpp is a batch transcription engine, so the engines here endpoint
// the stream themselves: every fed frame runs through a VAD session (the
// energy VAD by default), speech is buffered from onset (with a short
// pre-roll) until the VAD reports the end of speech, and Finalize submits the
// buffered utterance for inference. No partial hypotheses are produced.
//
// Two backends are available:
//
//   - [Provider] talks to a running whisper-server binary through its REST
//     API (POST /inference).
//   - [NativeProvider] runs the model in-process through the CGO bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	    whisper.WithSilenceThresholdMs(500),
//	)
//	eng, err := p.NewEngine(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
	"github.com/MrWong99/voxtrigger/pkg/provider/vad"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider or NativeProvider.
type Option func(*options)

type options struct {
	settings
	model      string
	httpClient *http.Client
}

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en"). When empty the server uses whichever model it was
// started with. Ignored by the native provider.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithLanguage sets the language code used for inference (e.g., "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(o *options) { o.language = lang }
}

// WithSampleRate sets the default audio sample rate in Hz, used when the
// StreamConfig leaves it unset. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(o *options) { o.sampleRate = rate }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (in
// milliseconds) that ends an utterance. Shorter values produce more
// responsive commands at the cost of splitting phrases at pauses.
// Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(o *options) { o.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum utterance duration (in
// milliseconds) before an endpoint is forced during continuous speech.
// Defaults to 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(o *options) { o.maxBufferDurationMs = ms }
}

// WithPreRollMs sets how much audio preceding the detected speech onset is
// kept in the utterance. Defaults to 300 ms.
func WithPreRollMs(ms int) Option {
	return func(o *options) { o.preRollMs = ms }
}

// WithVAD replaces the endpointer. cfg may be nil to use the energy VAD
// defaults; its SampleRate and MinSilenceMs are always overridden by the
// stream rate and the silence threshold.
func WithVAD(engine vad.Engine, cfg *vad.Config) Option {
	return func(o *options) {
		if engine != nil {
			o.vadEngine = engine
		}
		o.vadConfig = cfg
	}
}

// WithHTTPClient sets the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		settings:   defaultSettings(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Provider creates engines that send utterances to a whisper.cpp server.
// Safe for concurrent use.
type Provider struct {
	serverURL string
	opts      options
}

// New creates a Provider for the whisper.cpp HTTP server at serverURL (e.g.,
// "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	return &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		opts:      buildOptions(opts),
	}, nil
}

// NewEngine creates an engine for one mono stream. cfg.Language overrides
// the provider language. Returns an error if ctx is already cancelled or the
// stream is not mono; no connection is made until the first utterance.
func (p *Provider) NewEngine(ctx context.Context, cfg stt.StreamConfig) (stt.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if cfg.Channels > 1 {
		return nil, fmt.Errorf("whisper: engine requires mono audio, got %d channels", cfg.Channels)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.opts.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.opts.sampleRate
	}
	tr := &httpTranscriber{
		endpoint:   p.serverURL + "/inference",
		model:      p.opts.model,
		language:   lang,
		sampleRate: sr,
		client:     p.opts.httpClient,
	}
	return newBatchEngine("whisper", tr, p.opts.settings, sr, nil)
}

// httpTranscriber posts WAV-wrapped PCM to the whisper.cpp /inference
// endpoint.
type httpTranscriber struct {
	endpoint   string
	model      string
	language   string
	sampleRate int
	client     *http.Client
}

// transcribe encodes pcm as a WAV file and POSTs it as multipart/form-data.
// 4xx answers other than 429 wrap stt.ErrEngineFatal; other failures are
// transient.
func (t *httpTranscriber) transcribe(ctx context.Context, pcm []byte) (string, error) {
	wav := encodeWAV(pcm, t.sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if t.language != "" {
		if err := mw.WriteField("language", t.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return "", fmt.Errorf("whisper: server rejected request with HTTP %d: %w", resp.StatusCode, stt.ErrEngineFatal)
	default:
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container for the multipart upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
