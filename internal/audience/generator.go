package audience

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/livepersona/internal/observe"
	"github.com/MrWong99/livepersona/pkg/provider/llm"
)

// Generator produces raw, line-oriented audience chat for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// GeneratorOption configures an [LLMGenerator].
type GeneratorOption func(*LLMGenerator)

// WithGeneratorTemperature sets the sampling temperature. Zero keeps the
// provider default.
func WithGeneratorTemperature(t float64) GeneratorOption {
	return func(g *LLMGenerator) { g.temperature = t }
}

// WithGeneratorMetrics records on m instead of the default instruments.
func WithGeneratorMetrics(m *observe.Metrics) GeneratorOption {
	return func(g *LLMGenerator) { g.metrics = m }
}

// LLMGenerator is a [Generator] backed by a language model. The prompt is
// sent as a single user turn without history.
type LLMGenerator struct {
	provider    llm.Provider
	temperature float64
	metrics     *observe.Metrics
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator returns a generator that completes prompts with provider.
func NewLLMGenerator(provider llm.Provider, opts ...GeneratorOption) *LLMGenerator {
	g := &LLMGenerator{provider: provider}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Generate implements [Generator]. A response without content yields an
// empty string and no error.
func (g *LLMGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, call := g.metrics.StartCall(ctx, g.metrics.AudienceDuration, "audience", g.provider.Name())
	resp, err := g.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: g.temperature,
		MaxTokens:   maxTokens,
	})
	call.End(err)
	if err != nil {
		return "", fmt.Errorf("audience: generate: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Content), nil
}
