package speech

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/pkg/provider/tts"
)

// Segment is one synthesised sentence.
type Segment struct {
	// Index is the sentence position within the reply. Indices of dropped
	// sentences are skipped, not reused.
	Index    int
	Text     string
	Audio    []byte
	Duration time.Duration
}

// Package is a fully prepared utterance ready for playback.
type Package struct {
	// Text is the reply the segments were cut from.
	Text string

	// Segments are ordered by Index.
	Segments []Segment

	// Sentences is the number of sentences the reply was split into,
	// including dropped ones. The end marker carries it as its index.
	Sentences int

	// TotalDuration is the sum of all segment durations.
	TotalDuration time.Duration
}

// BuildPackage synthesises all sentences concurrently. concurrency limits
// the number of in-flight calls; zero or less means one call per sentence.
// A sentence whose synthesis fails is dropped. When every sentence fails,
// the error wraps [ErrSynthesisFailed].
func BuildPackage(ctx context.Context, synth tts.Provider, voice tts.VoiceProfile, sentences []string, concurrency int) (*Package, error) {
	return buildPackage(ctx, synth, voice, sentences, concurrency, observe.DefaultMetrics())
}

func buildPackage(ctx context.Context, synth tts.Provider, voice tts.VoiceProfile, sentences []string, concurrency int, m *observe.Metrics) (*Package, error) {
	if len(sentences) == 0 {
		return nil, ErrNoSentences
	}

	results := make([]*tts.Audio, len(sentences))
	errs := make([]error, len(sentences))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, sentence := range sentences {
		g.Go(func() error {
			callCtx, call := m.StartCall(ctx, m.TTSDuration, "tts", synth.Name())
			audio, err := synth.Synthesize(callCtx, sentence, voice)
			if err == nil && audio == nil {
				err = fmt.Errorf("speech: %s returned no audio", synth.Name())
			}
			call.End(err)
			results[i], errs[i] = audio, err
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pkg := &Package{Segments: make([]Segment, 0, len(sentences)), Sentences: len(sentences)}
	var lastErr error
	for i, audio := range results {
		if errs[i] != nil {
			lastErr = errs[i]
			m.RecordSegment(ctx, "dropped")
			slog.Warn("speech: dropping sentence after synthesis failure", "index", i, "err", errs[i])
			continue
		}
		pkg.Segments = append(pkg.Segments, Segment{
			Index:    i,
			Text:     sentences[i],
			Audio:    audio.Data,
			Duration: audio.Duration,
		})
		pkg.TotalDuration += audio.Duration
	}
	if len(pkg.Segments) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, lastErr)
	}
	return pkg, nil
}
