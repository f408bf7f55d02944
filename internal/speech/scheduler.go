package speech

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livepersona/internal/broadcast"
	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/pkg/provider/tts"
)

const (
	defaultSampleSize   = 10
	defaultCooldown     = time.Second
	defaultErrorBackoff = 15 * time.Second
	defaultCrashBackoff = 10 * time.Second
	defaultPrefetchLead = 5 * time.Second

	// DefaultGreeting is injected as the first input of every live session.
	DefaultGreeting = "The stream has just started. Greet your audience and say hello!"

	// DefaultIdlePrompt is injected whenever the input queue is empty.
	DefaultIdlePrompt = "Chat is quiet right now. What should I talk about next?"
)

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithClock sets the clock used for pacing, cooldown and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics records on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithVoice sets the voice used for every sentence.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Scheduler) { s.voice = v }
}

// WithSampleSize caps how many queued lines are handed to the reasoner per
// utterance. Default: 10.
func WithSampleSize(k int) Option {
	return func(s *Scheduler) {
		if k > 0 {
			s.sampleSize = k
		}
	}
}

// WithPrompts overrides the greeting and the idle prompt. Empty values keep
// the defaults.
func WithPrompts(greeting, idle string) Option {
	return func(s *Scheduler) {
		if greeting != "" {
			s.greeting = greeting
		}
		if idle != "" {
			s.idlePrompt = idle
		}
	}
}

// WithCooldown sets the pause after each utterance. Default: 1s.
func WithCooldown(d time.Duration) Option {
	return func(s *Scheduler) { s.cooldown = d }
}

// WithBackoff sets the pause after a failed utterance and after a crashed
// cycle. Defaults: 15s and 10s.
func WithBackoff(failure, crash time.Duration) Option {
	return func(s *Scheduler) {
		s.errorBackoff = failure
		s.crashBackoff = crash
	}
}

// WithPrefetch enables preparing the next utterance once the current one
// has lead or less playback left.
func WithPrefetch(enabled bool, lead time.Duration) Option {
	return func(s *Scheduler) {
		s.prefetch = enabled
		s.prefetchLead = lead
	}
}

// WithSynthesisConcurrency limits in-flight synthesis calls per utterance.
// Zero means unlimited.
func WithSynthesisConcurrency(n int) Option {
	return func(s *Scheduler) { s.concurrency = n }
}

// WithRecorder receives the text of every utterance when playback starts.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// Scheduler drives the persona's speech. Create one with [New] and call
// [Scheduler.Run] once.
type Scheduler struct {
	stage    Stage
	input    Input
	reasoner Reasoner
	synth    tts.Provider
	out      Broadcaster
	recorder Recorder

	clock        clockwork.Clock
	metrics      *observe.Metrics
	voice        tts.VoiceProfile
	sampleSize   int
	greeting     string
	idlePrompt   string
	cooldown     time.Duration
	errorBackoff time.Duration
	crashBackoff time.Duration
	prefetch     bool
	prefetchLead time.Duration
	concurrency  int

	state atomic.Value // State
}

// New creates a Scheduler. stage gates the loop on the live phase and owns
// the speaking flag; input is the persona input queue.
func New(stage Stage, input Input, reasoner Reasoner, synth tts.Provider, out Broadcaster, opts ...Option) *Scheduler {
	s := &Scheduler{
		stage:        stage,
		input:        input,
		reasoner:     reasoner,
		synth:        synth,
		out:          out,
		clock:        clockwork.NewRealClock(),
		sampleSize:   defaultSampleSize,
		greeting:     DefaultGreeting,
		idlePrompt:   DefaultIdlePrompt,
		cooldown:     defaultCooldown,
		errorBackoff: defaultErrorBackoff,
		crashBackoff: defaultCrashBackoff,
		prefetchLead: defaultPrefetchLead,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.state.Store(StateWaitingForInput)
	return s
}

// State reports where the foreground loop currently is.
func (s *Scheduler) State() State { return s.state.Load().(State) }

func (s *Scheduler) setState(st State) { s.state.Store(st) }

// Run blocks until ctx ends. Each time the stream goes live it attaches to
// the live gate and speaks until the gate is revoked by a reset.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		gate := s.stage.Gate()
		if err := gate.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		live, done := gate.Attach(ctx)
		slog.Info("speech: live session started")
		s.runLive(live)
		done()
		s.setState(StateWaitingForInput)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("speech: live session ended")
	}
}

// session is the per-live-session state. pending and greeted are only
// touched by the foreground loop; the prefetch goroutine reports through
// its channel.
type session struct {
	greeted bool
	pending <-chan prepared
	wg      sync.WaitGroup
}

type prepared struct {
	pkg *Package
	err error
}

func (s *Scheduler) runLive(ctx context.Context) {
	sess := &session{}
	defer sess.wg.Wait()

	for ctx.Err() == nil {
		pause := s.cycle(ctx, sess)
		if !s.sleep(ctx, pause) {
			return
		}
	}
}

// cycle runs one utterance and returns how long to pause before the next.
// A panic anywhere in the cycle is contained here.
func (s *Scheduler) cycle(ctx context.Context, sess *session) (pause time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.stage.SetSpeaking(false)
			slog.Error("speech: cycle crashed", "panic", r, "stack", string(debug.Stack()))
			pause = s.crashBackoff
		}
	}()

	ctx, span := observe.StartSpan(ctx, "speech.cycle")
	defer span.End()

	var (
		pkg *Package
		err error
	)
	if sess.pending != nil {
		pkg, err = s.awaitPrefetch(ctx, sess)
	} else {
		pkg, err = s.prepare(ctx, sess, s.setState)
	}
	if ctx.Err() != nil {
		return 0
	}
	if err != nil {
		s.fail(ctx, err)
		return s.errorBackoff
	}

	if !s.play(ctx, sess, pkg) {
		return 0
	}
	s.setState(StateCooldown)
	return s.cooldown
}

// prepare performs the input, thinking and synthesis steps. report receives
// state changes; the prefetch path passes a no-op so the foreground state
// keeps reflecting playback.
func (s *Scheduler) prepare(ctx context.Context, sess *session, report func(State)) (*Package, error) {
	report(StateWaitingForInput)
	if s.input.IsEmpty() {
		text := s.idlePrompt
		if !sess.greeted {
			text = s.greeting
		}
		s.input.Push(chat.Line{Username: SystemUsername, Text: text})
	}
	sess.greeted = true
	lines := sample(s.input.DrainAll(), s.sampleSize)

	report(StateThinking)
	reply, err := s.reasoner.Reply(ctx, lines)
	if err != nil {
		return nil, err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, ErrEmptyReply
	}
	sentences := SplitSentences(reply)
	if len(sentences) == 0 {
		return nil, ErrNoSentences
	}

	report(StateSynthesizing)
	pkg, err := buildPackage(ctx, s.synth, s.voice, sentences, s.concurrency, s.metrics)
	if err != nil {
		return nil, err
	}
	pkg.Text = reply
	return pkg, nil
}

// startPrefetch prepares the next utterance in the background.
func (s *Scheduler) startPrefetch(ctx context.Context, sess *session) {
	ch := make(chan prepared, 1)
	sess.pending = ch
	// greeted is flipped here so the goroutine never writes session state.
	greeted := sess.greeted
	sess.greeted = true

	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		var res prepared
		defer func() {
			if r := recover(); r != nil {
				slog.Error("speech: prefetch crashed", "panic", r, "stack", string(debug.Stack()))
				res = prepared{err: fmt.Errorf("speech: prefetch panicked: %v", r)}
			}
			ch <- res
		}()
		res.pkg, res.err = s.prepare(ctx, &session{greeted: greeted}, func(State) {})
	}()
	slog.Debug("speech: prefetching next utterance")
}

func (s *Scheduler) awaitPrefetch(ctx context.Context, sess *session) (*Package, error) {
	ch := sess.pending
	sess.pending = nil
	select {
	case res := <-ch:
		return res.pkg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// play streams pkg to viewers. It reports false if ctx ended before the end
// marker was sent.
func (s *Scheduler) play(ctx context.Context, sess *session, pkg *Package) bool {
	s.setState(StateSpeaking)
	if s.recorder != nil {
		s.recorder.Store(pkg.Text)
	}
	s.stage.SetSpeaking(true)
	defer s.stage.SetSpeaking(false)

	// Offset from playback start at which the next utterance is prepared.
	prefetchAt := pkg.TotalDuration - s.prefetchLead
	var offset time.Duration
	for _, seg := range pkg.Segments {
		if ctx.Err() != nil {
			return false
		}
		s.out.BroadcastAll(ctx, broadcast.NewSpeechSegment(seg.Index, seg.Text, seg.Audio, seg.Duration))
		s.metrics.RecordSegment(ctx, "sent")

		d := seg.Duration
		if s.prefetch && sess.pending == nil && offset+d >= prefetchAt {
			lead := max(prefetchAt-offset, 0)
			if !s.sleep(ctx, lead) {
				return false
			}
			s.startPrefetch(ctx, sess)
			d -= lead
			offset += lead
		}
		if !s.sleep(ctx, d) {
			return false
		}
		offset += d
	}
	if ctx.Err() != nil {
		return false
	}

	s.out.BroadcastAll(ctx, broadcast.NewSpeechEnd(pkg.Sentences))
	s.metrics.Utterances.Add(ctx, 1)
	s.metrics.UtteranceLength.Record(ctx, pkg.TotalDuration.Seconds(), metric.WithAttributes(observe.Attr("voice", s.voice.Name)))
	slog.Info("speech: utterance finished", "segments", len(pkg.Segments), "duration", pkg.TotalDuration)
	return true
}

// fail reports a failed utterance to viewers.
func (s *Scheduler) fail(ctx context.Context, err error) {
	s.stage.SetSpeaking(false)
	reason := errorReason(err)
	s.out.BroadcastAll(ctx, broadcast.NewErrorSignal(reason))
	s.metrics.RecordErrorSignal(ctx, reason)
	slog.Warn("speech: utterance failed, backing off", "reason", reason, "backoff", s.errorBackoff, "err", err)
}

// sleep waits d on the scheduler clock. It reports false if ctx ended first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// sample returns at most k lines chosen uniformly at random, keeping their
// queue order.
func sample(lines []chat.Line, k int) []chat.Line {
	if len(lines) <= k {
		return lines
	}
	idx := rand.Perm(len(lines))[:k]
	slices.Sort(idx)
	out := make([]chat.Line, k)
	for i, j := range idx {
		out[i] = lines[j]
	}
	return out
}
