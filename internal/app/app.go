// Package app wires all voxtrigger subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run listens and serves HTTP until the context is cancelled,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithNATSConn, WithHandler, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxtrigger/internal/config"
	"github.com/MrWong99/voxtrigger/internal/dispatch"
	"github.com/MrWong99/voxtrigger/internal/eventlog"
	"github.com/MrWong99/voxtrigger/internal/eventsink"
	"github.com/MrWong99/voxtrigger/internal/health"
	"github.com/MrWong99/voxtrigger/internal/observe"
	"github.com/MrWong99/voxtrigger/internal/phrase"
	"github.com/MrWong99/voxtrigger/internal/resilience"
	"github.com/MrWong99/voxtrigger/pkg/audio"
	"github.com/MrWong99/voxtrigger/pkg/provider/stt"
)

// shutdownTimeout bounds the HTTP server and session shutdown inside Run.
const shutdownTimeout = 5 * time.Second

// Providers holds the capture source and the recognizer. Populated by
// main.go via the config registry.
type Providers struct {
	Source audio.Source

	// STT creates recognition engines. It is usually a
	// [resilience.EngineFallback] over the configured recognizers.
	STT stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	registry *phrase.Registry
	metrics  *observe.Metrics
	levelVar *slog.LevelVar
	breaker  *resilience.CircuitBreaker
	grace    time.Duration

	extra    []dispatch.Handler
	hub      *eventsink.Hub
	natsConn eventsink.Conn
	store    eventlog.Store
	recorder *eventlog.Recorder
	sessions *SessionManager
	server   *http.Server
	mux      *http.ServeMux

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an event store instead of opening one from config.
func WithStore(s eventlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNATSConn injects a NATS connection instead of dialing events.nats.url.
func WithNATSConn(c eventsink.Conn) Option {
	return func(a *App) { a.natsConn = c }
}

// WithHandler adds a handler that receives every dispatcher event.
func WithHandler(h dispatch.Handler) Option {
	return func(a *App) { a.extra = append(a.extra, h) }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler that
// owns lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithRestartBreaker replaces the restart circuit breaker built from config.
func WithRestartBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = cb }
}

// WithDrainGrace overrides [DefaultDrainGrace] for finite sources.
func WithDrainGrace(d time.Duration) Option {
	return func(a *App) { a.grace = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Connections to NATS
// and the event store are made here; listening starts in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil || providers.STT == nil {
		return nil, errors.New("app: an audio source and a recognizer are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Phrase registry ───────────────────────────────────────────────
	a.registry = phrase.NewRegistry(phrase.WithFullScanBelow(cfg.Matcher.FullScanBelow))
	if err := a.registry.Load(cfg.PhraseSpecs()); err != nil {
		return nil, fmt.Errorf("app: load phrases: %w", err)
	}

	// ── 2. Event sinks ───────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init event sinks: %w", err)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	var active func() string
	if fb, ok := providers.STT.(interface{ Active() string }); ok {
		active = fb.Active
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Source:           providers.Source,
		Recognizer:       providers.STT,
		Registry:         a.registry,
		Handler:          a.handlers(),
		Config:           cfg,
		Metrics:          a.metrics,
		Breaker:          a.breaker,
		ActiveRecognizer: active,
		DrainGrace:       a.grace,
	})

	// ── 4. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSinks(ctx context.Context) error {
	ev := a.cfg.Events

	if ev.WebSocket {
		a.hub = eventsink.NewHub(eventsink.WithCandidates(ev.Candidates))
		a.closers = append(a.closers, a.hub.Close)
	}

	if a.natsConn == nil && ev.NATS.URL != "" {
		nc, err := eventsink.ConnectNATS(ev.NATS.URL, 0)
		if err != nil {
			return err
		}
		a.natsConn = nc
		a.closers = append(a.closers, drainNATS(nc))
	}

	if a.store == nil && ev.Store.Driver != "" {
		store, err := openStore(ctx, ev.Store)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	if a.store != nil {
		a.recorder = eventlog.NewRecorder(a.store)
	}
	return nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (eventlog.Store, error) {
	switch sc.Driver {
	case config.StoreSQLite:
		return eventlog.OpenSQLite(ctx, sc.DSN)
	case config.StorePostgres:
		return eventlog.OpenPostgres(ctx, sc.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func drainNATS(nc *nats.Conn) func() error {
	return func() error {
		if err := nc.Drain(); err != nil {
			nc.Close()
			return err
		}
		return nil
	}
}

// handlers fans dispatcher events out to the log and every configured sink.
func (a *App) handlers() dispatch.Handler {
	hs := dispatch.Multi{dispatch.HandlerFunc(logEvent)}
	if a.hub != nil {
		hs = append(hs, a.hub)
	}
	if a.natsConn != nil {
		hs = append(hs, eventsink.NewNATSPublisher(a.natsConn,
			eventsink.WithSubject(a.cfg.Events.NATS.Subject),
			eventsink.WithNATSCandidates(a.cfg.Events.Candidates),
		))
	}
	if a.recorder != nil {
		hs = append(hs, a.recorder)
	}
	return append(hs, a.extra...)
}

func logEvent(ctx context.Context, ev dispatch.Event) {
	log := observe.Logger(ctx)
	switch ev.Kind {
	case dispatch.EventTriggered:
		log.Info("app: command triggered",
			"phrase_id", ev.PhraseID, "score", ev.Score, "utterance_id", ev.UtteranceID, "forced", ev.Forced)
	case dispatch.EventSuppressed:
		log.Info("app: command suppressed by cooldown", "phrase_id", ev.PhraseID, "utterance_id", ev.UtteranceID)
	case dispatch.EventSessionFailed:
		log.Error("app: recognition session failed", "err", ev.Err)
	case dispatch.EventCandidate:
		log.Debug("app: candidate", "phrase_id", ev.PhraseID, "score", ev.Score)
	}
}

func (a *App) initHTTP() {
	checks := health.New(
		health.Listening(a.sessions.State),
		health.Phrases(func() int { return a.registry.Snapshot().Len() }),
	)

	api := http.NewServeMux()
	api.Handle("GET /metrics", promhttp.Handler())
	api.HandleFunc("GET /status", a.handleStatus)
	api.HandleFunc("POST /listening", a.handleListening)
	api.HandleFunc("GET /events/recent", a.handleRecent)
	checks.Register(api)

	a.mux = http.NewServeMux()
	if a.hub != nil {
		// WebSocket connections are long-lived; keep them out of the request
		// metrics.
		a.mux.Handle("GET /events", a.hub)
	}
	a.mux.Handle("/", observe.Middleware(a.metrics)(api))

	if a.cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// Handler returns the HTTP handler serving all routes.
func (a *App) Handler() http.Handler { return a.mux }

// Registry returns the phrase registry.
func (a *App) Registry() *phrase.Registry { return a.registry }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── HTTP handlers ───────────────────────────────────────────────────────────

type statusResponse struct {
	SessionInfo
	Phrases   int    `json:"phrases"`
	Reloads   uint64 `json:"phrase_reloads"`
	WSClients int    `json:"websocket_clients"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	res := statusResponse{
		SessionInfo: a.sessions.Info(),
		Phrases:     a.registry.Snapshot().Len(),
		Reloads:     a.registry.Loads(),
	}
	if a.hub != nil {
		res.WSClients = a.hub.Clients()
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleListening(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Listening *bool `json:"listening"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil || req.Listening == nil {
		writeError(w, http.StatusBadRequest, `body must be {"listening": true|false}`)
		return
	}

	// The toggle is idempotent: losing a race to another request that
	// already reached the wanted state is success.
	var err error
	if *req.Listening {
		if err = a.sessions.Start(r.Context()); errors.Is(err, ErrAlreadyListening) {
			err = nil
		}
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), shutdownTimeout)
		defer cancel()
		if err = a.sessions.Stop(ctx); errors.Is(err, ErrNotListening) {
			err = nil
		}
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.sessions.Info())
}

func (a *App) handleRecent(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, "event store not configured")
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := a.store.Recent(r.Context(), limit)
	if err != nil {
		slog.Warn("app: read recent events", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if recs == nil {
		recs = []eventlog.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: phrases
// are swapped into the registry and the log level is updated. Sections that
// need a restart are only logged. It is meant to be the callback of a
// [config.Watcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.PhrasesChanged {
		if err := a.registry.Load(new.PhraseSpecs()); err != nil {
			slog.Error("app: phrase reload rejected, keeping previous phrases", "err", err)
		} else {
			for _, pc := range d.PhraseChanges {
				slog.Info("app: phrase reloaded", "id", pc.ID,
					"added", pc.Added, "removed", pc.Removed,
					"text_changed", pc.TextChanged, "threshold_changed", pc.ThresholdChanged,
					"cooldown_changed", pc.CooldownChanged)
			}
		}
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level to a [slog.Level].
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts listening, the event recorder and the HTTP server, and blocks
// until ctx is cancelled or a finite audio source has been played to the
// end. It returns ctx.Err() in the first case and nil in the second.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.recorder != nil {
		g.Go(func() error { return a.recorder.Run(gctx) })
	}

	if a.server != nil {
		g.Go(func() error {
			slog.Info("app: http server listening", "addr", a.server.Addr)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer scancel()
			return a.server.Shutdown(sctx)
		})
	}

	if err := a.sessions.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-a.sessions.Finished():
			cancel()
		}
		if !a.sessions.IsActive() {
			return nil
		}
		sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer scancel()
		return a.sessions.Stop(sctx)
	})

	slog.Info("app: running", "phrases", a.registry.Snapshot().Len())
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, remaining closers are skipped and
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("app: stop listening", "err", err)
			}
		}
		if err := a.providers.Source.Close(); err != nil {
			slog.Warn("app: close audio source", "err", err)
		}
		if c, ok := a.providers.STT.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far; used when New fails halfway.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
