package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Config holds the relay's Discord settings.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// ChannelID is the text channel to post to.
	ChannelID string

	// ForwardChat feeds channel messages to the persona.
	ForwardChat bool
}

// Bot owns the Discord gateway connection and the relay attached to it.
type Bot struct {
	session   *discordgo.Session
	relay     *Relay
	removeFn  func()
	closeOnce sync.Once
}

// Open connects to Discord. When cfg.ForwardChat is set, channel messages
// are passed to sink for as long as ctx lives.
func Open(ctx context.Context, cfg Config, sink ChatReceiver) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	b := &Bot{
		session:  session,
		relay:    NewRelay(session, cfg.ChannelID),
		removeFn: func() {},
	}
	if cfg.ForwardChat && sink != nil {
		b.removeFn = session.AddHandler(b.relay.HandleMessage(ctx, sink))
	}

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	slog.Info("discord relay connected", "channel_id", cfg.ChannelID, "forward_chat", cfg.ForwardChat)
	return b, nil
}

// Relay returns the relay connection to attach to the broadcast hub.
func (b *Bot) Relay() *Relay { return b.relay }

// Close stops the relay and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.removeFn()
		b.relay.Close()
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord relay closed")
	})
	return closeErr
}
