// Package chat holds the chat primitives shared by the audience simulator,
// the viewer hub and the speech loop: the immutable [Line] value, the lossy
// [BoundedQueue] that buffers lines between producers and consumers, and the
// best-effort parser that turns raw audience-model output into lines.
package chat

// Line is one chat message. Lines are values and are never mutated after
// creation.
type Line struct {
	Username string `json:"username"`
	Text     string `json:"text"`

	// IsUser is true for messages typed by a real viewer and false for
	// simulated audience lines and synthetic prompts.
	IsUser bool `json:"is_user_message"`
}

// DefaultUsername is used for inbound viewer messages that carry no name.
const DefaultUsername = "User"
