package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/livepersona/pkg/provider/llm"
	"github.com/MrWong99/livepersona/pkg/provider/tts"
)

// LLMFallback implements llm.Provider on top of a [Group] of LLM backends.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback wraps group as a single provider.
func NewLLMFallback(group *Group[llm.Provider]) *LLMFallback {
	return &LLMFallback{group: group}
}

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.group, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name joins the member names in preference order, e.g. "openai>ollama".
func (f *LLMFallback) Name() string { return strings.Join(f.group.Names(), ">") }

// Status exposes the breaker states for health reporting.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// TTSFallback implements tts.Provider on top of a [Group] of TTS backends.
type TTSFallback struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback wraps group as a single provider.
func NewTTSFallback(group *Group[tts.Provider]) *TTSFallback {
	return &TTSFallback{group: group}
}

// Synthesize renders text on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error) {
	return Do(ctx, f.group, func(ctx context.Context, p tts.Provider) (*tts.Audio, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// Name joins the member names in preference order.
func (f *TTSFallback) Name() string { return strings.Join(f.group.Names(), ">") }

// Status exposes the breaker states for health reporting.
func (f *TTSFallback) Status() []EntryStatus { return f.group.Status() }
