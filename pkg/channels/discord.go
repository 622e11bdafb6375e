package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/kylemclaren/clawrelay/pkg/bus"
	"github.com/kylemclaren/clawrelay/pkg/logger"
)

const discordMaxMessageLength = 2000

type DiscordChannel struct {
	*BaseChannel
	token   string
	session *discordgo.Session
}

func NewDiscordChannel(token string, allowList []string, handler InboundHandler) *DiscordChannel {
	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", allowList, handler, discordMaxMessageLength),
		token:       token,
	}
}

func (c *DiscordChannel) Login(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	session.AddHandler(c.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("opening discord gateway: %w", err)
	}

	c.session = session
	c.SetRunning(true)
	logger.InfoC("discord", "Logged in")
	return nil
}

// Destroy closes the session but leaves the pointer in place so concurrent
// SendTyping/SendMessage readers never race a nil write.
func (c *DiscordChannel) Destroy(ctx context.Context) error {
	c.SetRunning(false)
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !c.IsAllowed(m.Author.ID + "|" + m.Author.Username) {
		return
	}

	chatType := bus.ChatTypeGroup
	if m.GuildID == "" {
		chatType = bus.ChatTypeDirect
	}

	c.HandleMessage(bus.InboundMessage{
		MessageID:   m.ID,
		ChannelID:   m.ChannelID,
		GroupID:     m.GuildID,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		Content:     m.Content,
		ChatType:    chatType,
		TimestampMs: m.Timestamp.UnixMilli(),
	})
}

// SendTyping is best-effort: failures are logged, never surfaced.
func (c *DiscordChannel) SendTyping(ctx context.Context, channelID string) {
	if c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.DebugCF("discord", "Typing indicator failed", map[string]any{"error": err.Error()})
	}
}

func (c *DiscordChannel) SendMessage(ctx context.Context, channelID, text, replyTo string) error {
	if c.session == nil {
		return fmt.Errorf("discord channel not logged in")
	}

	chunks := c.SplitMessage(text)
	for i, chunk := range chunks {
		var err error
		if i == 0 && replyTo != "" {
			_, err = c.session.ChannelMessageSendReply(channelID, chunk, &discordgo.MessageReference{
				MessageID: replyTo,
				ChannelID: channelID,
			})
		} else {
			_, err = c.session.ChannelMessageSend(channelID, chunk)
		}
		if err != nil {
			return fmt.Errorf("sending discord message: %w", err)
		}
	}
	return nil
}
