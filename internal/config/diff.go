package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MetadataChanged is true if any stream_* field changed. Viewers are
	// sent the new metadata.
	MetadataChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && !d.MetadataChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	o, n := old.Stream, new.Stream
	if o.Nickname != n.Nickname || o.Title != n.Title || o.Category != n.Category || !slices.Equal(o.Tags, n.Tags) {
		d.MetadataChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.AdminToken != new.Server.AdminToken ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !personaEqual(old.Persona, new.Persona) {
		d.RestartRequired = append(d.RestartRequired, "persona")
	}
	if !audienceEqual(old.Audience, new.Audience) {
		d.RestartRequired = append(d.RestartRequired, "audience")
	}
	if o.IntroDuration != n.IntroDuration || o.AvatarIntroDuration != n.AvatarIntroDuration || o.AutoStart != n.AutoStart {
		d.RestartRequired = append(d.RestartRequired, "stream")
	}
	if old.Relay.Discord != new.Relay.Discord {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return chainEqual(a.Reasoning, b.Reasoning) && chainEqual(a.Audience, b.Audience) && chainEqual(a.TTS, b.TTS)
}

func chainEqual(a, b ProviderChain) bool {
	return slices.EqualFunc(a.Entries(), b.Entries(), func(x, y ProviderEntry) bool {
		// Options are compared by presence only; values may be nested maps.
		return x.Name == y.Name && x.APIKey == y.APIKey && x.BaseURL == y.BaseURL &&
			x.Model == y.Model && len(x.Options) == len(y.Options)
	})
}

func personaEqual(a, b PersonaConfig) bool {
	return a.SystemPrompt == b.SystemPrompt && a.Greeting == b.Greeting && a.IdlePrompt == b.IdlePrompt &&
		a.Temperature == b.Temperature && a.MaxTokens == b.MaxTokens &&
		intPtrEqual(a.HistoryTurns, b.HistoryTurns) && a.SampleSize == b.SampleSize &&
		a.InputQueueSize == b.InputQueueSize && a.Voice == b.Voice && a.Cooldown == b.Cooldown &&
		a.ErrorBackoff == b.ErrorBackoff && a.CrashBackoff == b.CrashBackoff &&
		a.SynthesisConcurrency == b.SynthesisConcurrency &&
		a.Prefetch.IsEnabled() == b.Prefetch.IsEnabled() && a.Prefetch.Lead == b.Prefetch.Lead
}

func audienceEqual(a, b AudienceConfig) bool {
	return a.Interval == b.Interval && a.ChatsPerBatch == b.ChatsPerBatch && a.MaxTokens == b.MaxTokens &&
		a.Temperature == b.Temperature && a.PromptTemplate == b.PromptTemplate &&
		slices.Equal(a.UsernamePool, b.UsernamePool) && slices.Equal(a.UsernameBlocklist, b.UsernameBlocklist) &&
		a.BlocklistThreshold == b.BlocklistThreshold && a.ChatBufferSize == b.ChatBufferSize &&
		a.BacklogLimit == b.BacklogLimit && a.JitterMin == b.JitterMin && a.JitterMax == b.JitterMax
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
