// Package mock provides a test double for the tts.Provider interface.
//
// By default every call succeeds and returns the text bytes as audio with
// ClipDuration as its length, which is enough for pacing tests. Set
// SynthesizeFunc to fail or delay specific sentences.
//
// Example:
//
//	p := &mock.Provider{ClipDuration: time.Second}
//	audio, _ := p.Synthesize(ctx, "Hello there.", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livepersona/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the sentence passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Default: "mock".
	ProviderName string

	// ClipDuration is the Duration of the default audio result.
	ClipDuration time.Duration

	// SynthesizeErr, if non-nil, is returned by every call.
	SynthesizeErr error

	// SynthesizeFunc, if set, takes precedence over the defaults. It is
	// called without the mock's lock held and may be invoked concurrently.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error)

	// SynthesizeCalls records every call in arrival order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn, err, d := p.SynthesizeFunc, p.SynthesizeErr, p.ClipDuration
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}
	return &tts.Audio{Data: []byte(text), Format: "mock", Duration: d}, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
