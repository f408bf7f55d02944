package speech

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/livepersona/pkg/provider/tts"
	ttsmock "github.com/MrWong99/livepersona/pkg/provider/tts/mock"
)

var errSynth = errors.New("synthesis backend down")

func TestBuildPackage_PartialFailureKeepsIndices(t *testing.T) {
	t.Parallel()

	durations := map[string]time.Duration{"One.": time.Second, "Three.": 3 * time.Second}
	synth := &ttsmock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile) (*tts.Audio, error) {
			if text == "Two." {
				return nil, errSynth
			}
			return &tts.Audio{Data: []byte(text), Duration: durations[text]}, nil
		},
	}

	pkg, err := BuildPackage(context.Background(), synth, tts.VoiceProfile{}, []string{"One.", "Two.", "Three."}, 0)
	if err != nil {
		t.Fatalf("BuildPackage: %v", err)
	}
	if len(pkg.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(pkg.Segments))
	}
	if pkg.Segments[0].Index != 0 || pkg.Segments[1].Index != 2 {
		t.Errorf("indices = %d, %d, want 0, 2", pkg.Segments[0].Index, pkg.Segments[1].Index)
	}
	if pkg.Segments[1].Text != "Three." || string(pkg.Segments[1].Audio) != "Three." {
		t.Errorf("segment 2 = %+v", pkg.Segments[1])
	}
	if pkg.TotalDuration != 4*time.Second {
		t.Errorf("TotalDuration = %v, want 4s", pkg.TotalDuration)
	}
	if pkg.Sentences != 3 {
		t.Errorf("Sentences = %d, want 3", pkg.Sentences)
	}
}

func TestBuildPackage_AllFail(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Provider{SynthesizeErr: errSynth}
	_, err := BuildPackage(context.Background(), synth, tts.VoiceProfile{}, []string{"A.", "B."}, 0)
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
	if !errors.Is(err, errSynth) {
		t.Errorf("err = %v, want wrapped backend error", err)
	}
}

func TestBuildPackage_NoSentences(t *testing.T) {
	t.Parallel()

	if _, err := BuildPackage(context.Background(), &ttsmock.Provider{}, tts.VoiceProfile{}, nil, 0); !errors.Is(err, ErrNoSentences) {
		t.Fatalf("err = %v, want ErrNoSentences", err)
	}
}

func TestBuildPackage_SynthesisesConcurrently(t *testing.T) {
	t.Parallel()

	// Every call blocks until all three have started.
	var started sync.WaitGroup
	started.Add(3)
	allStarted := make(chan struct{})
	go func() { started.Wait(); close(allStarted) }()

	synth := &ttsmock.Provider{
		SynthesizeFunc: func(ctx context.Context, text string, _ tts.VoiceProfile) (*tts.Audio, error) {
			started.Done()
			select {
			case <-allStarted:
				return &tts.Audio{Data: []byte(text)}, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("calls were serialised")
			}
		},
	}
	pkg, err := BuildPackage(context.Background(), synth, tts.VoiceProfile{}, []string{"A.", "B.", "C."}, 0)
	if err != nil {
		t.Fatalf("BuildPackage: %v", err)
	}
	if len(pkg.Segments) != 3 {
		t.Errorf("got %d segments, want 3", len(pkg.Segments))
	}
}

func TestBuildPackage_ConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	synth := &ttsmock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile) (*tts.Audio, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return &tts.Audio{Data: []byte(text)}, nil
		},
	}
	if _, err := BuildPackage(context.Background(), synth, tts.VoiceProfile{}, []string{"A.", "B.", "C.", "D."}, 2); err != nil {
		t.Fatalf("BuildPackage: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestBuildPackage_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	synth := &ttsmock.Provider{
		SynthesizeFunc: func(ctx context.Context, _ string, _ tts.VoiceProfile) (*tts.Audio, error) {
			return nil, ctx.Err()
		},
	}
	if _, err := BuildPackage(ctx, synth, tts.VoiceProfile{}, []string{"A."}, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
