// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one sentence into a self-contained audio clip. The
// speech scheduler treats the clip as an opaque payload: it only needs the
// bytes to forward to viewers and the playback duration to pace the next
// segment.
//
// Implementations must be safe for concurrent use; every sentence of an
// utterance is synthesised in parallel.
package tts

import (
	"context"
	"time"
)

// VoiceProfile selects the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier. Coqui standard servers
	// accept an empty ID for single-speaker models.
	ID string

	// Name is the human-readable voice name used in logs.
	Name string

	// SpeedFactor adjusts speaking rate (0.5–2.0). Zero keeps the provider default.
	SpeedFactor float64
}

// Audio is the result of a single synthesis call.
type Audio struct {
	// Data is the encoded clip, e.g. a complete WAV file or raw PCM.
	Data []byte

	// Format describes Data, e.g. "wav" or "pcm_16000".
	Format string

	// SampleRate and Channels describe the PCM content of Data.
	SampleRate int
	Channels   int

	// Duration is the playback length of the clip.
	Duration time.Duration
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and returns the finished clip.
	// It returns an error when the backend fails or ctx ends first.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Audio, error)

	// Name identifies the backend in logs and metrics, e.g. "elevenlabs".
	Name() string
}

// PCMDuration returns the playback length of n bytes of signed 16-bit PCM
// at the given sample rate and channel count. Invalid formats yield zero.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if n <= 0 || sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := int64(n) / int64(2*channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
