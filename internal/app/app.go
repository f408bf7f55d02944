// Package app wires all livepersona subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the worker loops and the HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithClock,
// WithMetrics, etc.). When an option is not provided, New uses
// the real implementations.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livepersona/internal/audience"
	"github.com/MrWong99/livepersona/internal/broadcast"
	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/config"
	"github.com/MrWong99/livepersona/internal/health"
	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/internal/persona"
	"github.com/MrWong99/livepersona/internal/resilience"
	"github.com/MrWong99/livepersona/internal/speech"
	"github.com/MrWong99/livepersona/internal/stream"
	"github.com/MrWong99/livepersona/pkg/provider/llm"
	"github.com/MrWong99/livepersona/pkg/provider/tts"
)

const (
	backlogDelay    = 10 * time.Millisecond
	serverShutdown  = 10 * time.Second
	readHeaderLimit = 10 * time.Second
)

// Providers holds one interface value per collaborator slot. Populated by
// main.go via the config registry.
type Providers struct {
	// Reasoning writes the persona's replies. Required.
	Reasoning llm.Provider

	// Audience simulates chat. Nil reuses Reasoning.
	Audience llm.Provider

	// TTS synthesises the persona's voice. Required.
	TTS tts.Provider
}

// Relay is an outbound connection that is attached to the hub for the
// lifetime of the app and pumps its own queue.
type Relay interface {
	broadcast.Conn
	Run(ctx context.Context) error
}

// breakerStatus is implemented by the resilience fallback wrappers.
type breakerStatus interface {
	Status() []resilience.EntryStatus
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	clock          clockwork.Clock
	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar
	relays         []Relay

	// Subsystems, initialised in New and torn down in Shutdown.
	display    *chat.BoundedQueue[chat.Line]
	input      *chat.BoundedQueue[chat.Line]
	last       *persona.LastUtterance
	reasoner   *persona.Reasoner
	controller *stream.Controller
	hub        *broadcast.Hub
	scheduler  *speech.Scheduler
	ingestor   *audience.Ingestor
	health     *health.Handler
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClock replaces the real clock in every time-driven subsystem.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics records on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets a config reload change the level of the default logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). cfg must have had
// [config.ApplyDefaults] applied.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Reasoning == nil {
		return nil, errors.New("app: reasoning provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: tts provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		clock:     clockwork.NewRealClock(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Shared state ──────────────────────────────────────────────────
	a.display = chat.NewBoundedQueue[chat.Line](cfg.Audience.ChatBufferSize)
	a.input = chat.NewBoundedQueue[chat.Line](cfg.Persona.InputQueueSize)
	a.last = &persona.LastUtterance{}
	a.reasoner = a.newReasoner()

	// ── 2. Lifecycle controller ──────────────────────────────────────────
	a.controller = stream.New(
		stream.WithClock(a.clock),
		stream.WithDurations(cfg.Stream.IntroDuration, cfg.Stream.AvatarIntroDuration),
		stream.WithClearers(a.input, a.display, a.last, a.reasoner),
	)
	a.closers = append(a.closers, func() error {
		a.controller.Close()
		return nil
	})

	// ── 3. Broadcast hub ─────────────────────────────────────────────────
	a.hub = broadcast.New(a.controller, a.display, a.input,
		broadcast.WithClock(a.clock),
		broadcast.WithMetrics(a.metrics),
		broadcast.WithBacklog(cfg.Audience.BacklogLimit, backlogDelay),
		broadcast.WithMetadata(streamMetadata(cfg.Stream)),
		broadcast.WithOriginPatterns(cfg.Server.AllowedOrigins),
	)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	// ── 4. Workers ───────────────────────────────────────────────────────
	a.scheduler = a.newScheduler()

	ingestor, err := a.newIngestor()
	if err != nil {
		return nil, fmt.Errorf("app: init audience: %w", err)
	}
	a.ingestor = ingestor

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = a.newHealth()
	a.handler = a.routes()

	slog.InfoContext(ctx, "app initialised",
		"reasoning", providers.Reasoning.Name(),
		"audience", a.audienceProvider().Name(),
		"tts", providers.TTS.Name(),
	)
	return a, nil
}

func (a *App) newReasoner() *persona.Reasoner {
	p := a.cfg.Persona
	opts := []persona.Option{
		persona.WithSystemPrompt(p.SystemPrompt),
		persona.WithTemperature(p.Temperature),
		persona.WithMaxTokens(p.MaxTokens),
		persona.WithMetrics(a.metrics),
	}
	if p.HistoryTurns != nil {
		opts = append(opts, persona.WithHistory(*p.HistoryTurns))
	}
	return persona.NewReasoner(a.providers.Reasoning, opts...)
}

func (a *App) newScheduler() *speech.Scheduler {
	p := a.cfg.Persona
	return speech.New(a.controller, a.input, a.reasoner, a.providers.TTS, a.hub,
		speech.WithClock(a.clock),
		speech.WithMetrics(a.metrics),
		speech.WithVoice(tts.VoiceProfile{
			ID:          p.Voice.ID,
			Name:        p.Voice.Name,
			SpeedFactor: p.Voice.SpeedFactor,
		}),
		speech.WithSampleSize(p.SampleSize),
		speech.WithPrompts(p.Greeting, p.IdlePrompt),
		speech.WithCooldown(p.Cooldown),
		speech.WithBackoff(p.ErrorBackoff, p.CrashBackoff),
		speech.WithPrefetch(p.Prefetch.IsEnabled(), p.Prefetch.Lead),
		speech.WithSynthesisConcurrency(p.SynthesisConcurrency),
		speech.WithRecorder(a.last),
	)
}

func (a *App) newIngestor() (*audience.Ingestor, error) {
	c := a.cfg.Audience
	gen := audience.NewLLMGenerator(a.audienceProvider(),
		audience.WithGeneratorTemperature(c.Temperature),
		audience.WithGeneratorMetrics(a.metrics),
	)
	names := chat.NewNamePolicy(
		chat.WithPool(c.UsernamePool),
		chat.WithBlocklist(c.UsernameBlocklist),
		chat.WithBlocklistThreshold(c.BlocklistThreshold),
	)
	return audience.New(a.controller, gen, a.last, a.display, a.input, a.hub,
		audience.WithClock(a.clock),
		audience.WithMetrics(a.metrics),
		audience.WithInterval(c.Interval),
		audience.WithBatchSize(c.ChatsPerBatch),
		audience.WithMaxTokens(c.MaxTokens),
		audience.WithJitter(c.JitterMin, c.JitterMax),
		audience.WithNamePolicy(names),
		audience.WithPromptTemplate(c.PromptTemplate),
	)
}

func (a *App) newHealth() *health.Handler {
	var checks []health.Checker
	add := func(name string, p any) {
		if s, ok := p.(breakerStatus); ok {
			checks = append(checks, health.Checker{Name: name, Check: health.BreakerCheck(s.Status)})
		}
	}
	add("reasoning", a.providers.Reasoning)
	if a.providers.Audience != nil {
		add("audience", a.providers.Audience)
	}
	add("tts", a.providers.TTS)

	return health.New(checks...).WithInfo(
		health.Info{Name: "phase", Value: func() string { return string(a.controller.Phase()) }},
		health.Info{Name: "speech", Value: func() string { return string(a.scheduler.State()) }},
	)
}

func (a *App) audienceProvider() llm.Provider {
	if a.providers.Audience != nil {
		return a.providers.Audience
	}
	return a.providers.Reasoning
}

// Handler returns the HTTP handler serving the viewer websocket, the admin
// API, health probes and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the stream lifecycle controller.
func (a *App) Controller() *stream.Controller { return a.controller }

// Hub returns the broadcast hub.
func (a *App) Hub() *broadcast.Hub { return a.hub }

// AddRelay registers r to be attached to the hub and run alongside the
// workers. It must be called before [App.Run].
func (a *App) AddRelay(r Relay) {
	a.relays = append(a.relays, r)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the speech and audience loops, the event pump, the relay and
// the HTTP server, then blocks until ctx is cancelled or one of them fails.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.ingestor.Run(gctx) })
	g.Go(func() error { return a.pump(gctx) })

	for _, r := range a.relays {
		if err := a.hub.Attach(gctx, r); err != nil {
			slog.Warn("relay attach failed", "conn_id", r.ID(), "err", err)
			continue
		}
		g.Go(func() error { return r.Run(gctx) })
	}

	if a.cfg.Server.ListenAddr != "" {
		a.serve(gctx, g)
	}

	if a.cfg.Stream.AutoStart {
		if err := a.controller.StartCycle(gctx); err != nil {
			slog.Warn("auto start failed", "err", err)
		}
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "auto_start", a.cfg.Stream.AutoStart, "relays", len(a.relays))
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// pump forwards controller events to every viewer in emission order.
func (a *App) pump(ctx context.Context) error {
	events := a.controller.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			a.hub.BroadcastAll(ctx, ev)
		}
	}
}

func (a *App) serve(ctx context.Context, g *errgroup.Group) {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderLimit,
	}
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdown)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config. It has
// the [config.ChangeFunc] signature so it can be handed to a
// [config.Watcher] directly.
func (a *App) ApplyConfig(_, newCfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(d.NewLogLevel.SlogLevel())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MetadataChanged {
		meta := streamMetadata(newCfg.Stream)
		a.hub.SetMetadata(meta)
		n := a.hub.BroadcastAll(context.Background(), meta)
		slog.Info("stream metadata updated", "title", meta.Title, "viewers", n)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// streamMetadata converts a config.StreamConfig to the viewer message.
func streamMetadata(s config.StreamConfig) broadcast.StreamMetadata {
	return broadcast.NewStreamMetadata(s.Nickname, s.Title, s.Category, s.Tags)
}
