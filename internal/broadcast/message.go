package broadcast

import (
	"time"

	"github.com/MrWong99/livepersona/internal/chat"
)

// Kind is the "type" discriminator of a viewer message.
type Kind string

// Outbound message kinds.
const (
	KindLifecycle      Kind = "lifecycle_snapshot"
	KindStreamMetadata Kind = "stream_metadata"
	KindChat           Kind = "chat_message"
	KindSpeechSegment  Kind = "speech_segment"
	KindSpeaking       Kind = "speaking_status"
	KindError          Kind = "error_signal"
)

// KindUserMessage is the only inbound message kind.
const KindUserMessage Kind = "user_message"

// Message is a value pushed to viewers. Every implementation marshals to a
// JSON object whose "type" field equals Kind().
type Message interface {
	Kind() Kind
}

// Lifecycle describes the stream phase. It is sent on every phase change
// and as the catch-up snapshot for a freshly attached viewer.
type Lifecycle struct {
	Type           Kind    `json:"type"`
	Phase          string  `json:"phase"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Speaking       bool    `json:"is_speaking"`

	// IntroSeconds and AvatarIntroSeconds are the scripted durations of the
	// two pre-live phases, so a client can play its intro assets in sync.
	IntroSeconds       float64 `json:"intro_seconds"`
	AvatarIntroSeconds float64 `json:"avatar_intro_seconds"`
}

// Kind implements [Message].
func (Lifecycle) Kind() Kind { return KindLifecycle }

// StreamMetadata carries the stream's descriptive fields.
type StreamMetadata struct {
	Type     Kind     `json:"type"`
	Nickname string   `json:"streamer_nickname"`
	Title    string   `json:"stream_title"`
	Category string   `json:"stream_category"`
	Tags     []string `json:"stream_tags"`
}

// Kind implements [Message].
func (StreamMetadata) Kind() Kind { return KindStreamMetadata }

// ChatMessage is one chat line rendered for viewers.
type ChatMessage struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	Text     string `json:"text"`
	IsUser   bool   `json:"is_user_message"`
}

// Kind implements [Message].
func (ChatMessage) Kind() Kind { return KindChat }

// SpeechSegment is one spoken sentence, or the end-of-utterance marker when
// IsEnd is set. Audio is encoded as base64 by encoding/json.
type SpeechSegment struct {
	Type            Kind    `json:"type"`
	Index           int     `json:"segment_id"`
	Text            string  `json:"text,omitempty"`
	Audio           []byte  `json:"audio_base64,omitempty"`
	DurationSeconds float64 `json:"duration,omitempty"`
	IsEnd           bool    `json:"is_end"`
}

// Kind implements [Message].
func (SpeechSegment) Kind() Kind { return KindSpeechSegment }

// SpeakingStatus reports a change of the persona's speaking flag.
type SpeakingStatus struct {
	Type     Kind `json:"type"`
	Speaking bool `json:"is_speaking"`
}

// Kind implements [Message].
func (SpeakingStatus) Kind() Kind { return KindSpeaking }

// ErrorSignal tells viewers that the persona failed to produce speech and
// will retry.
type ErrorSignal struct {
	Type   Kind   `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Kind implements [Message].
func (ErrorSignal) Kind() Kind { return KindError }

// Inbound is a message received from a viewer.
type Inbound struct {
	Type     Kind   `json:"type"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// NewChatMessage renders line for viewers.
func NewChatMessage(line chat.Line) ChatMessage {
	return ChatMessage{Type: KindChat, Username: line.Username, Text: line.Text, IsUser: line.IsUser}
}

// NewSpeechSegment builds a segment message.
func NewSpeechSegment(index int, text string, audio []byte, d time.Duration) SpeechSegment {
	return SpeechSegment{
		Type:            KindSpeechSegment,
		Index:           index,
		Text:            text,
		Audio:           audio,
		DurationSeconds: d.Seconds(),
	}
}

// NewSpeechEnd builds the end-of-utterance marker. Its index equals the
// number of segments in the utterance.
func NewSpeechEnd(count int) SpeechSegment {
	return SpeechSegment{Type: KindSpeechSegment, Index: count, IsEnd: true}
}

// NewSpeakingStatus builds a speaking_status message.
func NewSpeakingStatus(speaking bool) SpeakingStatus {
	return SpeakingStatus{Type: KindSpeaking, Speaking: speaking}
}

// NewErrorSignal builds an error_signal message.
func NewErrorSignal(reason string) ErrorSignal {
	return ErrorSignal{Type: KindError, Reason: reason}
}

// NewStreamMetadata builds a stream_metadata message.
func NewStreamMetadata(nickname, title, category string, tags []string) StreamMetadata {
	return StreamMetadata{
		Type:     KindStreamMetadata,
		Nickname: nickname,
		Title:    title,
		Category: category,
		Tags:     append([]string(nil), tags...),
	}
}
