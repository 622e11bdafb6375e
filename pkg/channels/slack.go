package channels

import (
	"context"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/kylemclaren/clawrelay/pkg/bus"
	"github.com/kylemclaren/clawrelay/pkg/logger"
)

const slackMaxMessageLength = 4000

type SlackChannel struct {
	*BaseChannel
	botToken string
	appToken string
	api      *slack.Client
	socket   *socketmode.Client
	selfID   string
	cancel   context.CancelFunc
}

func NewSlackChannel(botToken, appToken string, allowList []string, handler InboundHandler) *SlackChannel {
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", allowList, handler, slackMaxMessageLength),
		botToken:    botToken,
		appToken:    appToken,
	}
}

func (c *SlackChannel) Login(ctx context.Context) error {
	api := slack.New(c.botToken, slack.OptionAppLevelToken(c.appToken))

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.selfID = auth.UserID

	runCtx, cancel := context.WithCancel(context.Background())
	socket := socketmode.New(api)

	c.api = api
	c.socket = socket
	c.cancel = cancel
	c.SetRunning(true)

	go func() {
		if err := socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode stopped", map[string]any{"error": err.Error()})
		}
	}()
	go c.eventLoop()

	logger.InfoCF("slack", "Logged in", map[string]any{"user": auth.User})
	return nil
}

// Destroy stops socket mode. The api and socket pointers are left in place
// so concurrent SendTyping/SendMessage readers never race a nil write.
func (c *SlackChannel) Destroy(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

func (c *SlackChannel) eventLoop() {
	for evt := range c.socket.Events {
		if evt.Type != socketmode.EventTypeEventsAPI {
			continue
		}
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			continue
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			continue
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			c.onMessage(ev)
		}
	}
}

func (c *SlackChannel) onMessage(ev *slackevents.MessageEvent) {
	// Edits, joins and bot echoes all arrive as message events too.
	if ev.SubType != "" || ev.BotID != "" || ev.User == "" || ev.User == c.selfID {
		return
	}
	if !c.IsAllowed(ev.User) {
		return
	}

	chatType := bus.ChatTypeGroup
	groupID := ev.Channel
	if ev.ChannelType == "im" {
		chatType = bus.ChatTypeDirect
		groupID = ""
	}

	c.HandleMessage(bus.InboundMessage{
		MessageID:   ev.TimeStamp,
		ChannelID:   ev.Channel,
		GroupID:     groupID,
		SenderID:    ev.User,
		SenderName:  ev.User,
		Content:     ev.Text,
		ChatType:    chatType,
		TimestampMs: slackTSToMillis(ev.TimeStamp),
	})
}

// SendTyping is a logged no-op: Slack's Web API has no typing call, only
// the deprecated RTM one. The capability is best-effort by contract.
func (c *SlackChannel) SendTyping(ctx context.Context, channelID string) {
	logger.DebugCF("slack", "Typing indicator not supported", map[string]any{"channel": channelID})
}

func (c *SlackChannel) SendMessage(ctx context.Context, channelID, text, replyTo string) error {
	if c.api == nil {
		return fmt.Errorf("slack channel not logged in")
	}

	chunks := c.SplitMessage(text)
	for _, chunk := range chunks {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if replyTo != "" {
			// Slack replies thread off the original message timestamp.
			opts = append(opts, slack.MsgOptionTS(replyTo))
		}
		if _, _, err := c.api.PostMessageContext(ctx, channelID, opts...); err != nil {
			return fmt.Errorf("sending slack message: %w", err)
		}
	}
	return nil
}

// slackTSToMillis converts a Slack "seconds.micros" timestamp to unix
// milliseconds. Returns 0 for malformed input.
func slackTSToMillis(ts string) int64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}
	return int64(f * 1000)
}
