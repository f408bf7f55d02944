package speech_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livepersona/internal/broadcast"
	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/persona"
	"github.com/MrWong99/livepersona/internal/speech"
	"github.com/MrWong99/livepersona/internal/stream"
	"github.com/MrWong99/livepersona/pkg/provider/tts"
	ttsmock "github.com/MrWong99/livepersona/pkg/provider/tts/mock"
)

const threeSentences = "Hello there. How are you? I am fine!"

// ─── test doubles ───────────────────────────────────────────────────────────

type recordingOut struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func (r *recordingOut) BroadcastAll(_ context.Context, msg broadcast.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return 1
}

func (r *recordingOut) all() []broadcast.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcast.Message(nil), r.msgs...)
}

func (r *recordingOut) count(kind broadcast.Kind) int {
	n := 0
	for _, m := range r.all() {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

type fakeReasoner struct {
	mu    sync.Mutex
	calls [][]chat.Line
	reply func(call int) (string, error)
}

func (f *fakeReasoner) Reply(_ context.Context, lines []chat.Line) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, lines)
	n := len(f.calls)
	f.mu.Unlock()
	return f.reply(n)
}

func (f *fakeReasoner) Calls() [][]chat.Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]chat.Line(nil), f.calls...)
}

func replyWith(text string) *fakeReasoner {
	return &fakeReasoner{reply: func(int) (string, error) { return text, nil }}
}

// ─── harness ────────────────────────────────────────────────────────────────

type harness struct {
	stage    *stream.Controller
	clock    *clockwork.FakeClock
	input    *chat.BoundedQueue[chat.Line]
	display  *chat.BoundedQueue[chat.Line]
	out      *recordingOut
	last     *persona.LastUtterance
	reasoner *fakeReasoner
	sched    *speech.Scheduler
	runErr   chan error
	cancel   context.CancelFunc
}

// newHarness wires a scheduler to a real controller with zero intro
// durations. The scheduler runs on a fake clock.
func newHarness(t *testing.T, reasoner *fakeReasoner, synth tts.Provider, opts ...speech.Option) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		input:    chat.NewBoundedQueue[chat.Line](100),
		display:  chat.NewBoundedQueue[chat.Line](100),
		out:      &recordingOut{},
		last:     &persona.LastUtterance{},
		reasoner: reasoner,
		runErr:   make(chan error, 1),
	}
	h.stage = stream.New(stream.WithDurations(0, 0), stream.WithClearers(h.input, h.display, h.last))

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-h.stage.Events():
			case <-stop:
				return
			}
		}
	}()

	opts = append([]speech.Option{speech.WithClock(h.clock), speech.WithRecorder(h.last)}, opts...)
	h.sched = speech.New(h.stage, h.input, reasoner, synth, h.out, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.sched.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancellation")
		}
		close(stop)
		h.stage.Close()
	})
	return h
}

func (h *harness) goLive(t *testing.T) {
	t.Helper()
	if err := h.stage.StartCycle(context.Background()); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	select {
	case <-h.stage.Gate().Released():
	case <-time.After(2 * time.Second):
		t.Fatal("stream never went live")
	}
}

// waitSleeping blocks until the scheduler waits on its clock.
func (h *harness) waitSleeping(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("scheduler never slept: %v", err)
	}
}

func (h *harness) step(t *testing.T, d time.Duration) {
	t.Helper()
	h.clock.Advance(d)
	h.waitSleeping(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func segments(msgs []broadcast.Message) []broadcast.SpeechSegment {
	var out []broadcast.SpeechSegment
	for _, m := range msgs {
		if s, ok := m.(broadcast.SpeechSegment); ok {
			out = append(out, s)
		}
	}
	return out
}

// ─── tests ──────────────────────────────────────────────────────────────────

func TestScheduler_SpeaksPacedSegmentsThenEndMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith(threeSentences), &ttsmock.Provider{ClipDuration: time.Second},
		speech.WithCooldown(2*time.Second))
	h.goLive(t)
	h.waitSleeping(t)

	if got := len(segments(h.out.all())); got != 1 {
		t.Fatalf("after first sleep got %d segments, want 1", got)
	}
	if !h.stage.Speaking() {
		t.Error("speaking flag not set during playback")
	}
	if got := h.last.Load(); got != threeSentences {
		t.Errorf("last utterance = %q, want %q", got, threeSentences)
	}
	calls := h.reasoner.Calls()
	if len(calls) != 1 || len(calls[0]) != 1 || calls[0][0].Text != speech.DefaultGreeting {
		t.Errorf("first reasoner input = %+v, want the greeting", calls)
	}

	h.step(t, time.Second)
	h.step(t, time.Second)
	h.step(t, time.Second) // now in cooldown

	segs := segments(h.out.all())
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 3 + end marker", len(segs))
	}
	wantText := []string{"Hello there.", "How are you?", "I am fine!"}
	for i, s := range segs[:3] {
		if s.Index != i || s.Text != wantText[i] || s.IsEnd || s.DurationSeconds != 1 {
			t.Errorf("segment %d = %+v", i, s)
		}
	}
	if end := segs[3]; !end.IsEnd || end.Index != 3 {
		t.Errorf("end marker = %+v", end)
	}
	if h.stage.Speaking() {
		t.Error("speaking flag still set after end marker")
	}
	if h.sched.State() != speech.StateCooldown {
		t.Errorf("state = %q, want %q", h.sched.State(), speech.StateCooldown)
	}

	// After the cooldown the queue is empty, so the idle prompt is injected.
	h.step(t, 2*time.Second)
	calls = h.reasoner.Calls()
	if len(calls) != 2 || calls[1][0].Text != speech.DefaultIdlePrompt || calls[1][0].Username != speech.SystemUsername {
		t.Errorf("second reasoner input = %+v, want the idle prompt", calls)
	}
}

func TestScheduler_AllSynthesisFailsEmitsOneErrorSignal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith(threeSentences), &ttsmock.Provider{SynthesizeErr: errors.New("tts down")})
	h.goLive(t)
	h.waitSleeping(t) // error backoff

	if n := h.out.count(broadcast.KindError); n != 1 {
		t.Errorf("got %d error signals, want 1", n)
	}
	if n := h.out.count(broadcast.KindSpeechSegment); n != 0 {
		t.Errorf("got %d speech segments, want 0", n)
	}
	msgs := h.out.all()
	if sig, ok := msgs[0].(broadcast.ErrorSignal); !ok || sig.Reason != "synthesis_failed" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if h.stage.Speaking() {
		t.Error("speaking flag set after failure")
	}
}

func TestScheduler_DroppedSentenceKeepsEndMarkerDistinct(t *testing.T) {
	t.Parallel()

	synth := &ttsmock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile) (*tts.Audio, error) {
			if text == "How are you?" {
				return nil, errors.New("voice unavailable")
			}
			return &tts.Audio{Data: []byte(text), Duration: time.Second}, nil
		},
	}
	h := newHarness(t, replyWith(threeSentences), synth, speech.WithCooldown(2*time.Second))
	h.goLive(t)
	h.waitSleeping(t)
	h.step(t, time.Second)
	h.step(t, time.Second) // now in cooldown

	segs := segments(h.out.all())
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 2 + end marker", len(segs))
	}
	if segs[0].Index != 0 || segs[1].Index != 2 || segs[0].IsEnd || segs[1].IsEnd {
		t.Errorf("spoken segments = %+v, %+v, want indices 0, 2", segs[0], segs[1])
	}
	if end := segs[2]; !end.IsEnd || end.Index != 3 {
		t.Errorf("end marker = %+v, want index 3", end)
	}
	if n := h.out.count(broadcast.KindError); n != 0 {
		t.Errorf("got %d error signals for a partial failure, want 0", n)
	}
}

func TestScheduler_ReasonerFailuresBackOff(t *testing.T) {
	t.Parallel()

	r := &fakeReasoner{reply: func(call int) (string, error) {
		switch call {
		case 1:
			return "", errors.New("model overloaded")
		case 2:
			return "   ", nil
		default:
			return "Back again.", nil
		}
	}}
	h := newHarness(t, r, &ttsmock.Provider{ClipDuration: time.Second}, speech.WithBackoff(15*time.Second, 10*time.Second))
	h.goLive(t)

	h.waitSleeping(t)
	h.step(t, 15*time.Second)
	msgs := h.out.all()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 error signals", len(msgs))
	}
	if msgs[0].(broadcast.ErrorSignal).Reason != "reasoning_failed" || msgs[1].(broadcast.ErrorSignal).Reason != "empty_reply" {
		t.Errorf("reasons = %+v", msgs)
	}

	h.step(t, 15*time.Second)
	if segs := segments(h.out.all()); len(segs) != 1 || segs[0].Text != "Back again." {
		t.Errorf("segments after recovery = %+v", segs)
	}
}

func TestScheduler_SamplesAtMostK(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("Ok."), &ttsmock.Provider{ClipDuration: time.Second}, speech.WithSampleSize(5))
	for i := range 20 {
		h.input.Push(chat.Line{Username: "viewer", Text: fmt.Sprintf("%02d", i)})
	}
	h.goLive(t)
	h.waitSleeping(t)

	calls := h.reasoner.Calls()
	if len(calls) != 1 || len(calls[0]) != 5 {
		t.Fatalf("reasoner got %+v, want one call with 5 lines", calls)
	}
	for i := 1; i < len(calls[0]); i++ {
		if calls[0][i-1].Text >= calls[0][i].Text {
			t.Errorf("sample not in queue order: %+v", calls[0])
		}
	}
	if !h.input.IsEmpty() {
		t.Error("input queue not drained")
	}
}

func TestScheduler_PrefetchOverlapsPlaybackButKeepsOrder(t *testing.T) {
	t.Parallel()

	r := &fakeReasoner{reply: func(call int) (string, error) {
		return fmt.Sprintf("Utterance %d one. Utterance %d two.", call, call), nil
	}}
	h := newHarness(t, r, &ttsmock.Provider{ClipDuration: time.Second},
		speech.WithPrefetch(true, 5*time.Second), speech.WithCooldown(time.Second))
	h.goLive(t)
	h.waitSleeping(t)

	// The whole utterance is shorter than the lead, so the next one is
	// prepared while the first segment plays.
	waitFor(t, "prefetch", func() bool { return len(h.reasoner.Calls()) == 2 })
	if n := h.out.count(broadcast.KindSpeechSegment); n != 1 {
		t.Fatalf("got %d segments during prefetch, want 1", n)
	}

	h.step(t, time.Second)
	h.step(t, time.Second) // end marker sent, cooldown
	h.step(t, time.Second) // second utterance, first segment

	segs := segments(h.out.all())
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4", len(segs))
	}
	if !segs[2].IsEnd {
		t.Fatalf("segment 2 = %+v, want end marker before the next utterance", segs[2])
	}
	if !strings.HasPrefix(segs[3].Text, "Utterance 2") || segs[3].Index != 0 {
		t.Errorf("next utterance started with %+v", segs[3])
	}
}

func TestScheduler_ResetMidUtterance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith(threeSentences), &ttsmock.Provider{ClipDuration: time.Second})
	h.goLive(t)
	h.waitSleeping(t)

	h.input.Push(chat.Line{Username: "a", Text: "stale"})
	h.display.Push(chat.Line{Username: "a", Text: "stale"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.stage.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if h.stage.Phase() != stream.PhaseOffline {
		t.Errorf("phase = %q, want offline", h.stage.Phase())
	}
	if h.stage.Speaking() {
		t.Error("speaking flag survived reset")
	}
	if !h.input.IsEmpty() || !h.display.IsEmpty() {
		t.Error("queues not cleared")
	}
	if got := h.last.Load(); got != persona.Silent {
		t.Errorf("last utterance = %q, want cleared", got)
	}
	before := len(h.out.all())
	for _, s := range segments(h.out.all()) {
		if s.IsEnd {
			t.Error("end marker sent for an interrupted utterance")
		}
	}

	// The loop survives and greets again on the next cycle.
	h.goLive(t)
	h.waitSleeping(t)
	calls := h.reasoner.Calls()
	if len(calls) != 2 || calls[1][0].Text != speech.DefaultGreeting {
		t.Errorf("reasoner input after restart = %+v", calls)
	}
	if len(h.out.all()) != before+1 {
		t.Errorf("got %d new messages, want 1", len(h.out.all())-before)
	}
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	r := &fakeReasoner{reply: func(call int) (string, error) {
		if call == 1 {
			panic("reasoner exploded")
		}
		return "Fine now.", nil
	}}
	h := newHarness(t, r, &ttsmock.Provider{ClipDuration: time.Second}, speech.WithBackoff(15*time.Second, 10*time.Second))
	h.goLive(t)
	h.waitSleeping(t) // crash backoff

	if n := len(h.out.all()); n != 0 {
		t.Errorf("got %d messages after crash, want 0", n)
	}
	h.step(t, 10*time.Second)
	if segs := segments(h.out.all()); len(segs) != 1 || segs[0].Text != "Fine now." {
		t.Errorf("segments after recovery = %+v", segs)
	}
}
