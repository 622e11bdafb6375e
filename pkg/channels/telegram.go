package channels

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"

	"github.com/kylemclaren/clawrelay/pkg/bus"
	"github.com/kylemclaren/clawrelay/pkg/logger"
)

const telegramMaxMessageLength = 4096

type TelegramChannel struct {
	*BaseChannel
	token  string
	bot    *telego.Bot
	cancel context.CancelFunc
}

func NewTelegramChannel(token string, allowList []string, handler InboundHandler) *TelegramChannel {
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", allowList, handler, telegramMaxMessageLength),
		token:       token,
	}
}

func (c *TelegramChannel) Login(ctx context.Context) error {
	bot, err := telego.NewBot(c.token)
	if err != nil {
		return fmt.Errorf("creating telegram bot: %w", err)
	}

	// Polling outlives the login call; Destroy cancels it.
	pollCtx, cancel := context.WithCancel(context.Background())

	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("starting telegram long polling: %w", err)
	}

	c.bot = bot
	c.cancel = cancel
	c.SetRunning(true)

	go func() {
		for update := range updates {
			c.onUpdate(update)
		}
	}()

	logger.InfoC("telegram", "Logged in")
	return nil
}

// Destroy stops polling. The bot pointer is left in place: SendTyping and
// SendMessage may still be reading it from other goroutines, and a send on
// a destroyed channel just fails downstream.
func (c *TelegramChannel) Destroy(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

func (c *TelegramChannel) onUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !c.IsAllowed(senderID + "|" + msg.From.Username) {
		return
	}

	chatType := bus.ChatTypeGroup
	groupID := strconv.FormatInt(msg.Chat.ID, 10)
	groupName := msg.Chat.Title
	if msg.Chat.Type == telego.ChatTypePrivate {
		chatType = bus.ChatTypeDirect
		groupID = ""
		groupName = ""
	}

	senderName := msg.From.Username
	if senderName == "" {
		senderName = msg.From.FirstName
	}

	c.HandleMessage(bus.InboundMessage{
		MessageID:   strconv.Itoa(msg.MessageID),
		ChannelID:   strconv.FormatInt(msg.Chat.ID, 10),
		GroupID:     groupID,
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     msg.Text,
		ChatType:    chatType,
		GroupName:   groupName,
		TimestampMs: msg.Date * 1000,
	})
}

// SendTyping is best-effort: failures are logged, never surfaced.
func (c *TelegramChannel) SendTyping(ctx context.Context, channelID string) {
	if c.bot == nil {
		return
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return
	}
	err = c.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: telego.ChatID{ID: chatID},
		Action: telego.ChatActionTyping,
	})
	if err != nil {
		logger.DebugCF("telegram", "Typing indicator failed", map[string]any{"error": err.Error()})
	}
}

func (c *TelegramChannel) SendMessage(ctx context.Context, channelID, text, replyTo string) error {
	if c.bot == nil {
		return fmt.Errorf("telegram channel not logged in")
	}
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", channelID, err)
	}

	chunks := c.SplitMessage(text)
	for i, chunk := range chunks {
		params := &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: chatID},
			Text:   chunk,
		}
		if i == 0 && replyTo != "" {
			if replyID, err := strconv.Atoi(replyTo); err == nil {
				params.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		if _, err := c.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("sending telegram message: %w", err)
		}
	}
	return nil
}
