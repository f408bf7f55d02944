// Package speech runs the persona's think → synthesize → speak loop.
//
// A [Scheduler] waits for the stream to go live, then repeatedly drains the
// persona input queue, asks the reasoner for a reply, splits the reply into
// sentences, synthesises every sentence concurrently and streams the
// resulting segments to viewers paced by their spoken duration. While one
// utterance plays, the next one can be prepared in the background so there is
// no dead air between them.
package speech

import (
	"context"
	"errors"

	"github.com/MrWong99/livepersona/internal/broadcast"
	"github.com/MrWong99/livepersona/internal/chat"
	"github.com/MrWong99/livepersona/internal/stream"
)

// State is the scheduler's position within one utterance cycle.
type State string

const (
	StateWaitingForInput State = "waiting_for_input"
	StateThinking        State = "thinking"
	StateSynthesizing    State = "synthesizing"
	StateSpeaking        State = "speaking"
	StateCooldown        State = "cooldown"
)

// Sentinel errors describing why an utterance could not be prepared.
var (
	ErrEmptyReply      = errors.New("speech: reasoner returned an empty reply")
	ErrNoSentences     = errors.New("speech: reply contains no sentences")
	ErrSynthesisFailed = errors.New("speech: synthesis failed for every sentence")
)

// SystemUsername is the author of injected greeting and idle lines.
const SystemUsername = "System"

// Reasoner produces the persona's next reply from sampled chat.
type Reasoner interface {
	Reply(ctx context.Context, lines []chat.Line) (string, error)
}

// Stage exposes the parts of the stream lifecycle the scheduler depends on.
// *stream.Controller implements it.
type Stage interface {
	Gate() *stream.LiveGate
	SetSpeaking(speaking bool)
}

// Broadcaster delivers a message to every viewer.
type Broadcaster interface {
	BroadcastAll(ctx context.Context, msg broadcast.Message) int
}

// Input is the persona input queue.
type Input interface {
	Push(line chat.Line) bool
	DrainAll() []chat.Line
	IsEmpty() bool
}

// Recorder keeps the text the persona is currently speaking.
type Recorder interface {
	Store(text string)
}

var _ Stage = (*stream.Controller)(nil)

// errorReason maps a preparation failure to the reason carried by the
// viewer error signal.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyReply):
		return "empty_reply"
	case errors.Is(err, ErrNoSentences):
		return "no_sentences"
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	default:
		return "reasoning_failed"
	}
}
