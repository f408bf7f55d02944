// Package discord relays the stream to a Discord text channel. Spoken
// sentences are posted as captions and phase changes as announcements;
// optionally, messages posted in the channel are fed to the persona as
// viewer chat.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/MrWong99/livepersona/internal/broadcast"
)

const (
	defaultBuffer = 64

	// maxMessageRunes is Discord's message length limit.
	maxMessageRunes = 2000
)

// Sender posts messages to a channel. *discordgo.Session satisfies it.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChatReceiver ingests viewer chat. *broadcast.Hub satisfies it.
type ChatReceiver interface {
	ReceiveChat(ctx context.Context, username, text string) bool
}

var (
	_ broadcast.Conn = (*Relay)(nil)
	_ Sender         = (*discordgo.Session)(nil)
	_ ChatReceiver   = (*broadcast.Hub)(nil)
)

// Relay is a [broadcast.Conn] that mirrors viewer messages to a Discord
// channel. Send queues without blocking; a full queue drops the message
// rather than failing, so the hub never prunes the relay. Call
// [Relay.Run] to start posting.
type Relay struct {
	id        string
	sender    Sender
	channelID string

	out       chan broadcast.Message
	done      chan struct{}
	closeOnce sync.Once

	// phase is only touched by Run.
	phase string
}

// NewRelay creates a relay posting to channelID.
func NewRelay(sender Sender, channelID string) *Relay {
	return &Relay{
		id:        "discord-" + uuid.NewString(),
		sender:    sender,
		channelID: channelID,
		out:       make(chan broadcast.Message, defaultBuffer),
		done:      make(chan struct{}),
	}
}

// ID implements [broadcast.Conn].
func (r *Relay) ID() string { return r.id }

// Send implements [broadcast.Conn].
func (r *Relay) Send(_ context.Context, msg broadcast.Message) error {
	select {
	case <-r.done:
		return broadcast.ErrConnClosed
	default:
	}
	select {
	case r.out <- msg:
	default:
		slog.Warn("discord relay: queue full, dropping message", "kind", msg.Kind())
	}
	return nil
}

// Close implements [broadcast.Conn]. Queued messages are discarded.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

// Run posts queued messages until ctx ends or the relay is closed. Post
// failures are logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		case msg := <-r.out:
			text, ok := r.format(msg)
			if !ok {
				continue
			}
			if _, err := r.sender.ChannelMessageSend(r.channelID, text, discordgo.WithContext(ctx)); err != nil {
				slog.Warn("discord relay: post failed", "kind", msg.Kind(), "err", err)
			}
		}
	}
}

// format renders msg for the channel. Messages without a channel
// representation report false.
func (r *Relay) format(msg broadcast.Message) (string, bool) {
	switch m := msg.(type) {
	case broadcast.SpeechSegment:
		if m.IsEnd || strings.TrimSpace(m.Text) == "" {
			return "", false
		}
		return truncate("🎙️ " + m.Text), true
	case broadcast.Lifecycle:
		if m.Phase == r.phase {
			return "", false
		}
		first := r.phase == ""
		r.phase = m.Phase
		switch {
		case m.Phase == "live":
			return "🔴 The stream is live!", true
		case m.Phase == "offline" && !first:
			return "⚫ The stream has ended.", true
		}
		return "", false
	case broadcast.StreamMetadata:
		return truncate(fmt.Sprintf("📺 **%s** by %s (%s)", m.Title, m.Nickname, m.Category)), true
	case broadcast.ErrorSignal:
		return "⚠️ The streamer lost their train of thought and will be right back.", true
	}
	return "", false
}

// HandleMessage returns a discordgo handler that forwards human messages
// posted in the relay channel to sink.
func (r *Relay) HandleMessage(ctx context.Context, sink ChatReceiver) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil || m.Author == nil || m.Author.Bot || m.ChannelID != r.channelID {
			return
		}
		name := m.Author.GlobalName
		if name == "" {
			name = m.Author.Username
		}
		if sink.ReceiveChat(ctx, name, m.Content) {
			slog.Debug("discord relay: forwarded chat", "user", name)
		}
	}
}

func truncate(s string) string {
	if r := []rune(s); len(r) > maxMessageRunes {
		return string(r[:maxMessageRunes-1]) + "…"
	}
	return s
}
