// Package audience simulates the stream chat. While the stream is live an
// [Ingestor] periodically asks a [Generator] for a handful of viewer
// messages reacting to what the persona last said, and feeds the parsed
// lines to the chat display, the persona input queue and every viewer.
package audience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/livepersona/internal/broadcast"
	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/internal/stream"
)

const (
	defaultInterval  = 3 * time.Second
	defaultBatchSize = 2
	defaultMaxTokens = 300
	defaultJitterMin = 100 * time.Millisecond
	defaultJitterMax = 400 * time.Millisecond
)

// DefaultPromptTemplate is rendered with [PromptData] before every
// generation.
const DefaultPromptTemplate = `You are simulating the live chat of a popular AI VTuber stream.
The streamer just said:
"{{.LastSpeech}}"

Write {{.Count}} short chat messages from different viewers reacting to the stream.
Mix questions, jokes, hype and emotes. Keep every message under 20 words.
Use exactly one message per line in the form "username: message" and output nothing else.`

// PromptData is the data available to the prompt template.
type PromptData struct {
	// LastSpeech is the persona's most recent utterance.
	LastSpeech string
	// Count is the number of lines requested.
	Count int
}

// Stage exposes the live gate of the current stream cycle.
type Stage interface {
	Gate() *stream.LiveGate
}

// Speech reports what the persona last said.
type Speech interface {
	Load() string
}

// Queue receives parsed chat lines.
type Queue interface {
	Push(line chat.Line) (evicted bool)
}

// Broadcaster fans messages out to viewers.
type Broadcaster interface {
	BroadcastAll(ctx context.Context, msg broadcast.Message) int
}

var _ Stage = (*stream.Controller)(nil)

// Option configures an [Ingestor].
type Option func(*Ingestor)

// WithClock sets the clock used for the generation interval and jitter.
func WithClock(c clockwork.Clock) Option {
	return func(i *Ingestor) { i.clock = c }
}

// WithMetrics records on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

// WithInterval sets how often a generation task is launched. Default: 3s.
func WithInterval(d time.Duration) Option {
	return func(i *Ingestor) {
		if d > 0 {
			i.interval = d
		}
	}
}

// WithBatchSize caps how many lines of one generation are published.
// Default: 2.
func WithBatchSize(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.batchSize = n
		}
	}
}

// WithMaxTokens caps the generator's output. Default: 300.
func WithMaxTokens(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.maxTokens = n
		}
	}
}

// WithJitter sets the random pause range between published lines.
// Default: 100ms to 400ms.
func WithJitter(lo, hi time.Duration) Option {
	return func(i *Ingestor) {
		i.jitterMin = max(lo, 0)
		i.jitterMax = max(hi, i.jitterMin)
	}
}

// WithNamePolicy sets the username pool and blocklist used when parsing.
func WithNamePolicy(p *chat.NamePolicy) Option {
	return func(i *Ingestor) { i.names = p }
}

// WithPromptTemplate replaces [DefaultPromptTemplate]. The text is parsed
// by [New].
func WithPromptTemplate(text string) Option {
	return func(i *Ingestor) {
		if strings.TrimSpace(text) != "" {
			i.promptText = text
		}
	}
}

// Ingestor runs the simulated audience. Create one with [New] and call
// [Ingestor.Run] once.
type Ingestor struct {
	stage   Stage
	gen     Generator
	speech  Speech
	display Queue
	input   Queue
	out     Broadcaster

	clock      clockwork.Clock
	metrics    *observe.Metrics
	names      *chat.NamePolicy
	interval   time.Duration
	batchSize  int
	maxTokens  int
	jitterMin  time.Duration
	jitterMax  time.Duration
	promptText string
	prompt     *template.Template
}

// New creates an Ingestor. Lines are pushed to display (the viewer backlog)
// and input (the persona input queue) before they are broadcast.
func New(stage Stage, gen Generator, speech Speech, display, input Queue, out Broadcaster, opts ...Option) (*Ingestor, error) {
	i := &Ingestor{
		stage:      stage,
		gen:        gen,
		speech:     speech,
		display:    display,
		input:      input,
		out:        out,
		clock:      clockwork.NewRealClock(),
		interval:   defaultInterval,
		batchSize:  defaultBatchSize,
		maxTokens:  defaultMaxTokens,
		jitterMin:  defaultJitterMin,
		jitterMax:  defaultJitterMax,
		promptText: DefaultPromptTemplate,
	}
	for _, o := range opts {
		o(i)
	}
	if i.metrics == nil {
		i.metrics = observe.DefaultMetrics()
	}
	if i.names == nil {
		i.names = chat.NewNamePolicy()
	}
	tmpl, err := template.New("audience").Option("missingkey=error").Parse(i.promptText)
	if err != nil {
		return nil, fmt.Errorf("audience: parse prompt template: %w", err)
	}
	i.prompt = tmpl
	return i, nil
}

// Run blocks until ctx ends, generating chat whenever the stream is live.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		gate := i.stage.Gate()
		if err := gate.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		live, done := gate.Attach(ctx)
		slog.Info("audience: chat simulation started", "interval", i.interval)
		i.runLive(live)
		done()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("audience: chat simulation stopped")
	}
}

// runLive launches one generation task per interval. Tasks overlap freely;
// all of them have returned when runLive does.
func (i *Ingestor) runLive(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := i.clock.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		wg.Go(func() { i.generate(ctx) })
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// generate runs one generation task. Failures are logged and never reach
// the loop.
func (i *Ingestor) generate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("audience: generation crashed", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	prompt, err := i.render()
	if err != nil {
		slog.Error("audience: render prompt", "err", err)
		return
	}
	raw, err := i.gen.Generate(ctx, prompt, i.maxTokens)
	if err != nil {
		if ctx.Err() == nil {
			observe.Logger(ctx).Warn("audience: generation failed", "err", err)
		}
		return
	}

	res := chat.ParseAudience(raw, i.names)
	if res.Unparsed > 0 {
		i.metrics.ChatUnparsed.Add(ctx, int64(res.Unparsed))
		slog.Debug("audience: dropped unparseable lines", "count", res.Unparsed)
	}
	lines := res.Lines[:min(len(res.Lines), i.batchSize)]
	for _, line := range lines {
		if ctx.Err() != nil {
			return
		}
		i.display.Push(line)
		i.input.Push(line)
		i.out.BroadcastAll(ctx, broadcast.NewChatMessage(line))
		i.metrics.RecordChatLine(ctx, "audience")
		if !i.sleep(ctx, i.jitter()) {
			return
		}
	}
}

func (i *Ingestor) render() (string, error) {
	var b strings.Builder
	err := i.prompt.Execute(&b, PromptData{LastSpeech: i.speech.Load(), Count: i.batchSize})
	return b.String(), err
}

func (i *Ingestor) jitter() time.Duration {
	span := i.jitterMax - i.jitterMin
	if span <= 0 {
		return i.jitterMin
	}
	return i.jitterMin + rand.N(span)
}

// sleep waits d on the ingestor clock. It reports false if ctx ended first.
func (i *Ingestor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := i.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
