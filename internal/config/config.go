// Package config provides the configuration schema, loader, and provider registry
// for the livepersona broadcast engine.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the livepersona server.
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

// SlogLevel maps l to the slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for livepersona.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Persona   PersonaConfig   `yaml:"persona"`
	Audience  AudienceConfig  `yaml:"audience"`
	Stream    StreamConfig    `yaml:"stream"`
	Relay     RelayConfig     `yaml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the livepersona server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed by a hot reload.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns allowed to open a viewer websocket
	// (e.g., "localhost:5173"). Empty allows only same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AdminToken guards the admin API via the X-API-Token header. When empty
	// the admin API is unauthenticated.
	AdminToken string `yaml:"admin_token"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation backs each
// collaborator. Every entry selects a named provider registered in the
// [Registry] and may list fallbacks tried in order when it fails.
type ProvidersConfig struct {
	// Reasoning is the LLM that writes the persona's replies.
	Reasoning ProviderChain `yaml:"reasoning"`

	// Audience is the LLM that simulates chat. When its name is empty the
	// reasoning chain is reused.
	Audience ProviderChain `yaml:"audience"`

	// TTS synthesises the persona's voice.
	TTS ProviderChain `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ProviderChain is a primary provider plus optional fallbacks.
type ProviderChain struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Entries returns the primary entry followed by the fallbacks.
func (c ProviderChain) Entries() []ProviderEntry {
	return append([]ProviderEntry{c.ProviderEntry}, c.Fallbacks...)
}

// PersonaConfig shapes the streamer persona and its speech loop.
type PersonaConfig struct {
	// SystemPrompt is the persona's character description.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is the first input of every live session.
	Greeting string `yaml:"greeting"`

	// IdlePrompt is injected whenever no chat is waiting.
	IdlePrompt string `yaml:"idle_prompt"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// HistoryTurns bounds the conversation window kept between replies, in
	// exchanges of one prompt and one reply. Zero disables history.
	HistoryTurns *int `yaml:"history_turns"`

	// SampleSize caps how many queued chat lines feed one reply.
	SampleSize int `yaml:"sample_size"`

	// InputQueueSize is the capacity of the persona input queue.
	InputQueueSize int `yaml:"input_queue_size"`

	Voice VoiceConfig `yaml:"voice"`

	// Cooldown is the pause after each utterance.
	Cooldown time.Duration `yaml:"cooldown"`

	// ErrorBackoff is the pause after a failed utterance.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// CrashBackoff is the pause after an unexpected failure.
	CrashBackoff time.Duration `yaml:"crash_backoff"`

	// SynthesisConcurrency limits parallel TTS calls per utterance.
	// Zero means one call per sentence.
	SynthesisConcurrency int `yaml:"synthesis_concurrency"`

	Prefetch PrefetchConfig `yaml:"prefetch"`
}

// VoiceConfig specifies the TTS voice parameters for the persona.
type VoiceConfig struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id"`

	// Name is a human-readable label used in logs and metrics.
	Name string `yaml:"name"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 1.0 means default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// PrefetchConfig controls preparing the next utterance during playback.
type PrefetchConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Lead is the remaining playback time at which preparation starts.
	Lead time.Duration `yaml:"lead"`
}

// IsEnabled reports whether prefetching is on.
func (p PrefetchConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AudienceConfig controls the simulated chat.
type AudienceConfig struct {
	// Interval is how often a generation task is launched.
	Interval time.Duration `yaml:"interval"`

	// ChatsPerBatch caps how many lines of one generation are published.
	ChatsPerBatch int `yaml:"chats_per_batch"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// PromptTemplate is a text/template with {{.LastSpeech}} and {{.Count}}.
	PromptTemplate string `yaml:"prompt_template"`

	// UsernamePool replaces missing or blocked usernames.
	UsernamePool []string `yaml:"username_pool"`

	// UsernameBlocklist holds names the audience may not use.
	UsernameBlocklist []string `yaml:"username_blocklist"`

	// BlocklistThreshold is the Jaro-Winkler similarity at which a name
	// counts as blocked.
	BlocklistThreshold float64 `yaml:"blocklist_threshold"`

	// ChatBufferSize is the capacity of the viewer-visible chat buffer.
	ChatBufferSize int `yaml:"chat_buffer_size"`

	// BacklogLimit is how many buffered lines a new viewer receives.
	BacklogLimit int `yaml:"backlog_limit"`

	// JitterMin and JitterMax bound the pause between published lines.
	JitterMin time.Duration `yaml:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max"`
}

// StreamConfig describes the stream itself.
type StreamConfig struct {
	Nickname string   `yaml:"streamer_nickname"`
	Title    string   `yaml:"stream_title"`
	Category string   `yaml:"stream_category"`
	Tags     []string `yaml:"stream_tags"`

	// IntroDuration and AvatarIntroDuration are the scripted pre-live phases.
	IntroDuration       time.Duration `yaml:"intro_duration"`
	AvatarIntroDuration time.Duration `yaml:"avatar_intro_duration"`

	// AutoStart begins a stream cycle as soon as the server is up.
	AutoStart bool `yaml:"auto_start"`
}

// RelayConfig holds optional outbound relays.
type RelayConfig struct {
	Discord DiscordConfig `yaml:"discord"`
}

// DiscordConfig configures the Discord caption relay. The relay is disabled
// when Token is empty.
type DiscordConfig struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// ChannelID is the text channel spoken sentences are posted to.
	ChannelID string `yaml:"channel_id"`

	// ForwardChat feeds messages posted in the channel to the persona as
	// viewer chat.
	ForwardChat bool `yaml:"forward_chat"`
}

// Enabled reports whether the relay is configured.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry. Default: "livepersona".
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where the Prometheus scrape endpoint is mounted.
	MetricsPath string `yaml:"metrics_path"`
}
