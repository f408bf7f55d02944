// Command livepersona is the main entry point for the live persona broadcast
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/livepersona/internal/app"
	"github.com/MrWong99/livepersona/internal/config"
	"github.com/MrWong99/livepersona/internal/observe"
	discordrelay "github.com/MrWong99/livepersona/internal/relay/discord"
	"github.com/MrWong99/livepersona/internal/resilience"
	"github.com/MrWong99/livepersona/pkg/provider/llm"
	"github.com/MrWong99/livepersona/pkg/provider/llm/anyllm"
	"github.com/MrWong99/livepersona/pkg/provider/llm/openai"
	"github.com/MrWong99/livepersona/pkg/provider/tts"
	"github.com/MrWong99/livepersona/pkg/provider/tts/coqui"
	"github.com/MrWong99/livepersona/pkg/provider/tts/elevenlabs"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and stream metadata when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livepersona: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livepersona: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("livepersona starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithMetricsHandler(tel.Handler),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Discord relay (optional) ──────────────────────────────────────────────
	var bot *discordrelay.Bot
	if d := cfg.Relay.Discord; d.Enabled() {
		bot, err = discordrelay.Open(ctx, discordrelay.Config{
			Token:       d.Token,
			ChannelID:   d.ChannelID,
			ForwardChat: d.ForwardChat,
		}, application.Hub())
		if err != nil {
			slog.Error("failed to connect Discord relay", "err", err)
			return 1
		}
		application.AddRelay(bot.Relay())
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord relay close error", "err", err)
		}
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmVendors are the LLM backends served through any-llm-go. They share
// the same pattern: optional APIKey + optional BaseURL.
var anyllmVendors = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, vendor := range anyllmVendors {
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "tts", reg.TTSNames())
}

// buildProviders instantiates every provider chain named in cfg using the
// registry and returns them in an [app.Providers] struct. Each chain is
// wrapped in a circuit-breaking fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error

	if ps.Reasoning, err = buildLLMChain("reasoning", cfg.Providers.Reasoning, reg); err != nil {
		return nil, err
	}
	if cfg.Providers.Audience.Name != "" {
		if ps.Audience, err = buildLLMChain("audience", cfg.Providers.Audience, reg); err != nil {
			return nil, err
		}
	}
	if ps.TTS, err = buildTTSChain(cfg.Providers.TTS, reg); err != nil {
		return nil, err
	}
	return ps, nil
}

func buildLLMChain(slot string, chain config.ProviderChain, reg *config.Registry) (llm.Provider, error) {
	var group *resilience.Group[llm.Provider]
	for i, entry := range chain.Entries() {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", slot, entry.Name, err)
		}
		name := entryName(entry, i)
		if group == nil {
			group = resilience.NewGroup(name, p, resilience.CircuitBreakerConfig{})
		} else {
			group.With(name, p, resilience.CircuitBreakerConfig{})
		}
		slog.Info("provider created", "kind", "llm", "slot", slot, "name", name)
	}
	return resilience.NewLLMFallback(group), nil
}

func buildTTSChain(chain config.ProviderChain, reg *config.Registry) (tts.Provider, error) {
	var group *resilience.Group[tts.Provider]
	for i, entry := range chain.Entries() {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", entry.Name, err)
		}
		name := entryName(entry, i)
		if group == nil {
			group = resilience.NewGroup(name, p, resilience.CircuitBreakerConfig{})
		} else {
			group.With(name, p, resilience.CircuitBreakerConfig{})
		}
		slog.Info("provider created", "kind", "tts", "name", name)
	}
	return resilience.NewTTSFallback(group), nil
}

// entryName labels a chain member for logs and breaker status. The position
// keeps duplicate provider names apart.
func entryName(entry config.ProviderEntry, i int) string {
	name := entry.Name
	if entry.Model != "" {
		name += "/" + entry.Model
	}
	if i > 0 {
		name = fmt.Sprintf("%s#%d", name, i)
	}
	return name
}

// ── Logger ────────────────────────────────────────────────────────────────────

// newLogger builds a text logger on stderr whose level can be changed at
// runtime through the returned LevelVar.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(level.SlogLevel())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      livepersona — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Reasoning", cfg.Providers.Reasoning)
	if cfg.Providers.Audience.Name != "" {
		printProvider("Audience", cfg.Providers.Audience)
	} else {
		fmt.Printf("║  %-15s : %-19s ║\n", "Audience", "(reasoning)")
	}
	printProvider("TTS", cfg.Providers.TTS)
	if cfg.Relay.Discord.Enabled() {
		fmt.Printf("║  Discord         : %-19s ║\n", "connected")
	} else {
		fmt.Printf("║  Discord         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Auto start      : %-19t ║\n", cfg.Stream.AutoStart)
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind string, chain config.ProviderChain) {
	label := chain.Name
	if chain.Model != "" {
		label += " (" + chain.Model + ")"
	}
	if n := len(chain.Fallbacks); n > 0 {
		label += fmt.Sprintf(" +%d", n)
	}
	if len(label) > 19 {
		label = label[:18] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, label)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// optDuration parses a Go duration string such as "30s" from a provider
// Options map. Unparseable values are logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
