package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/pkg/provider/llm"
)

const (
	chatHeader = "Recent stream chat messages:\n"
	chatFooter = "\n\nPlease respond naturally, considering these messages and your role as a streamer."

	// IdleInput replaces the chat block when no lines were sampled.
	IdleInput = "No recent chat. What should I say to my audience?"

	defaultHistory   = 10
	defaultMaxTokens = 400
)

// DefaultSystemPrompt is used when no persona prompt is configured.
const DefaultSystemPrompt = "You are a playful AI VTuber streaming live. " +
	"Reply to your chat in a few short spoken sentences. " +
	"Never use emotes, markdown, lists or stage directions."

// Option configures a [Reasoner].
type Option func(*Reasoner)

// WithSystemPrompt sets the persona description sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(r *Reasoner) {
		if prompt != "" {
			r.systemPrompt = prompt
		}
	}
}

// WithTemperature sets the sampling temperature. Zero keeps the provider default.
func WithTemperature(t float64) Option {
	return func(r *Reasoner) { r.temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) Option {
	return func(r *Reasoner) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithHistory sets how many past exchanges (a prompt and its reply) are kept
// as conversation context. Zero disables the window.
func WithHistory(n int) Option {
	return func(r *Reasoner) { r.historyCap = n }
}

// WithMetrics records reply latency on m instead of the default instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reasoner) { r.metrics = m }
}

// Reasoner produces the persona's next reply from sampled chat lines using
// an LLM. It keeps a bounded window of the recent conversation so replies
// stay coherent across utterances.
type Reasoner struct {
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
	historyCap   int
	metrics      *observe.Metrics

	history *chat.BoundedQueue[exchange]
}

// exchange is one prompt and the reply it produced. The window evicts whole
// exchanges so the replayed conversation always opens with a user turn.
type exchange struct {
	prompt string
	reply  string
}

// NewReasoner creates a Reasoner backed by provider.
func NewReasoner(provider llm.Provider, opts ...Option) *Reasoner {
	r := &Reasoner{
		provider:     provider,
		systemPrompt: DefaultSystemPrompt,
		maxTokens:    defaultMaxTokens,
		historyCap:   defaultHistory,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.history = chat.NewBoundedQueue[exchange](r.historyCap)
	return r
}

// Reply asks the model for the persona's next utterance. An empty reply is
// returned as "" without error; the caller decides how to treat it. The
// exchange is only added to the conversation window when the reply is
// non-empty.
func (r *Reasoner) Reply(ctx context.Context, lines []chat.Line) (string, error) {
	input := FormatInput(lines)
	past := r.history.Snapshot()
	msgs := make([]llm.Message, 0, 2*len(past)+1)
	for _, ex := range past {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.prompt},
			llm.Message{Role: llm.RoleAssistant, Content: ex.reply},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: input})

	ctx, call := r.metrics.StartCall(ctx, r.metrics.ReasoningDuration, "reasoning", r.provider.Name())
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: r.systemPrompt,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	})
	call.End(err)
	if err != nil {
		return "", fmt.Errorf("persona: reply: %w", err)
	}
	if resp == nil {
		return "", nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", nil
	}
	if r.historyCap > 0 {
		r.history.Push(exchange{prompt: input, reply: text})
	}
	observe.Logger(ctx).Debug("persona replied", "lines", len(lines), "chars", len(text))
	return text, nil
}

// Clear drops the conversation window.
func (r *Reasoner) Clear() {
	r.history.Clear()
}

// FormatInput renders sampled chat as the user turn sent to the model.
func FormatInput(lines []chat.Line) string {
	if len(lines) == 0 {
		return IdleInput
	}
	var b strings.Builder
	b.WriteString(chatHeader)
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Username)
		b.WriteString(": ")
		b.WriteString(l.Text)
	}
	b.WriteString(chatFooter)
	return b.String()
}
