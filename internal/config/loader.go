package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livepersona/internal/chat"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs", "coqui"},
}

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8000"
	DefaultMaxTokens           = 400
	DefaultHistoryTurns        = 10
	DefaultSampleSize          = 10
	DefaultInputQueueSize      = 200
	DefaultCooldown            = time.Second
	DefaultErrorBackoff        = 15 * time.Second
	DefaultCrashBackoff        = 10 * time.Second
	DefaultPrefetchLead        = 5 * time.Second
	DefaultAudienceInterval    = 3 * time.Second
	DefaultChatsPerBatch       = 2
	DefaultAudienceMaxTokens   = 300
	DefaultBlocklistThreshold  = 0.92
	DefaultChatBufferSize      = 1000
	DefaultBacklogLimit        = 50
	DefaultJitterMin           = 100 * time.Millisecond
	DefaultJitterMax           = 400 * time.Millisecond
	DefaultNickname            = "vedal987"
	DefaultTitle               = "neuro-sama is here for u all"
	DefaultCategory            = "Just Chatting"
	DefaultIntroDuration       = 10 * time.Second
	DefaultAvatarIntroDuration = 3 * time.Second
	DefaultServiceName         = "livepersona"
	DefaultMetricsPath         = "/metrics"
)

var (
	defaultAllowedOrigins = []string{"localhost:5173", "127.0.0.1:5173"}
	defaultTags           = []string{"Vtuber", "AI", "Cute", "English", "Gremlin", "catgirl"}
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg with its default. Explicit
// values, including an explicit history_turns of 0, are left alone.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.AllowedOrigins == nil {
		s.AllowedOrigins = slices.Clone(defaultAllowedOrigins)
	}

	p := &cfg.Persona
	setInt(&p.MaxTokens, DefaultMaxTokens)
	if p.HistoryTurns == nil {
		n := DefaultHistoryTurns
		p.HistoryTurns = &n
	}
	setInt(&p.SampleSize, DefaultSampleSize)
	setInt(&p.InputQueueSize, DefaultInputQueueSize)
	setDuration(&p.Cooldown, DefaultCooldown)
	setDuration(&p.ErrorBackoff, DefaultErrorBackoff)
	setDuration(&p.CrashBackoff, DefaultCrashBackoff)
	setDuration(&p.Prefetch.Lead, DefaultPrefetchLead)
	if p.Voice.SpeedFactor == 0 {
		p.Voice.SpeedFactor = 1.0
	}

	a := &cfg.Audience
	setDuration(&a.Interval, DefaultAudienceInterval)
	setInt(&a.ChatsPerBatch, DefaultChatsPerBatch)
	setInt(&a.MaxTokens, DefaultAudienceMaxTokens)
	if a.BlocklistThreshold == 0 {
		a.BlocklistThreshold = DefaultBlocklistThreshold
	}
	if a.UsernamePool == nil {
		a.UsernamePool = slices.Clone(chat.DefaultUsernamePool)
	}
	if a.UsernameBlocklist == nil {
		a.UsernameBlocklist = slices.Clone(chat.DefaultBlocklist)
	}
	setInt(&a.ChatBufferSize, DefaultChatBufferSize)
	setInt(&a.BacklogLimit, DefaultBacklogLimit)
	if a.JitterMin == 0 && a.JitterMax == 0 {
		a.JitterMin, a.JitterMax = DefaultJitterMin, DefaultJitterMax
	}

	st := &cfg.Stream
	if st.Nickname == "" {
		st.Nickname = DefaultNickname
	}
	if st.Title == "" {
		st.Title = DefaultTitle
	}
	if st.Category == "" {
		st.Category = DefaultCategory
	}
	if st.Tags == nil {
		st.Tags = slices.Clone(defaultTags)
	}
	setDuration(&st.IntroDuration, DefaultIntroDuration)
	setDuration(&st.AvatarIntroDuration, DefaultAvatarIntroDuration)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = DefaultMetricsPath
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
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
	if cfg.Server.AdminToken == "" {
		slog.Warn("server.admin_token is empty; the admin API is unauthenticated")
	}

	// Providers
	errs = append(errs, validateChain("providers.reasoning", "llm", cfg.Providers.Reasoning, true)...)
	errs = append(errs, validateChain("providers.audience", "llm", cfg.Providers.Audience, false)...)
	errs = append(errs, validateChain("providers.tts", "tts", cfg.Providers.TTS, true)...)

	// Persona
	p := cfg.Persona
	if p.Voice.SpeedFactor < 0.5 || p.Voice.SpeedFactor > 2.0 {
		errs = append(errs, fmt.Errorf("persona.voice.speed_factor %.2f is out of range [0.5, 2.0]", p.Voice.SpeedFactor))
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("persona.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.HistoryTurns != nil && *p.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("persona.history_turns %d must not be negative", *p.HistoryTurns))
	}
	errs = appendPositive(errs, "persona.max_tokens", p.MaxTokens)
	errs = appendPositive(errs, "persona.sample_size", p.SampleSize)
	errs = appendPositive(errs, "persona.input_queue_size", p.InputQueueSize)
	if p.SynthesisConcurrency < 0 {
		errs = append(errs, fmt.Errorf("persona.synthesis_concurrency %d must not be negative", p.SynthesisConcurrency))
	}
	for name, d := range map[string]time.Duration{
		"persona.cooldown":      p.Cooldown,
		"persona.error_backoff": p.ErrorBackoff,
		"persona.crash_backoff": p.CrashBackoff,
		"persona.prefetch.lead": p.Prefetch.Lead,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}

	// Audience
	a := cfg.Audience
	if a.Interval <= 0 {
		errs = append(errs, fmt.Errorf("audience.interval %s must be positive", a.Interval))
	}
	errs = appendPositive(errs, "audience.chats_per_batch", a.ChatsPerBatch)
	errs = appendPositive(errs, "audience.max_tokens", a.MaxTokens)
	errs = appendPositive(errs, "audience.chat_buffer_size", a.ChatBufferSize)
	if a.BacklogLimit < 0 {
		errs = append(errs, fmt.Errorf("audience.backlog_limit %d must not be negative", a.BacklogLimit))
	}
	if a.BlocklistThreshold <= 0 || a.BlocklistThreshold > 1 {
		errs = append(errs, fmt.Errorf("audience.blocklist_threshold %.2f is out of range (0, 1]", a.BlocklistThreshold))
	}
	if a.JitterMin < 0 || a.JitterMax < a.JitterMin {
		errs = append(errs, fmt.Errorf("audience jitter range [%s, %s] is invalid", a.JitterMin, a.JitterMax))
	}
	if len(a.UsernamePool) == 0 {
		errs = append(errs, errors.New("audience.username_pool must not be empty"))
	}

	// Stream
	if cfg.Stream.IntroDuration < 0 || cfg.Stream.AvatarIntroDuration < 0 {
		errs = append(errs, errors.New("stream intro durations must not be negative"))
	}

	// Relay
	if d := cfg.Relay.Discord; d.Enabled() && d.ChannelID == "" {
		errs = append(errs, errors.New("relay.discord.channel_id is required when a token is set"))
	}

	return errors.Join(errs...)
}

func appendPositive(errs []error, field string, v int) []error {
	if v <= 0 {
		return append(errs, fmt.Errorf("%s %d must be positive", field, v))
	}
	return errs
}

// validateChain checks a provider chain. required reports whether the
// primary entry must be set.
func validateChain(prefix, kind string, c ProviderChain, required bool) []error {
	var errs []error
	if c.Name == "" {
		if required {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(c.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks require a primary provider", prefix))
		}
		return errs
	}
	validateProviderName(kind, c.Name)
	for i, fb := range c.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.fallbacks[%d].name is required", prefix, i))
			continue
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
