// Package channels contains the platform adapters. Each adapter logs in to
// its platform, normalizes inbound events into bus.InboundMessage, and
// exposes the uniform capability set the orchestrator consumes: typing
// indicators and message delivery. Platform-specific chunking is each
// adapter's own business.
package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kylemclaren/clawrelay/pkg/bus"
)

type Channel interface {
	Name() string
	Login(ctx context.Context) error
	Destroy(ctx context.Context) error
	SendTyping(ctx context.Context, channelID string)
	SendMessage(ctx context.Context, channelID, text, replyTo string) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// InboundHandler receives every allowed, normalized inbound message.
type InboundHandler func(msg bus.InboundMessage)

type BaseChannel struct {
	name             string
	allowList        []string
	handler          InboundHandler
	running          atomic.Bool
	maxMessageLength int
}

func NewBaseChannel(name string, allowList []string, handler InboundHandler, maxMessageLength int) *BaseChannel {
	return &BaseChannel{
		name:             name,
		allowList:        allowList,
		handler:          handler,
		maxMessageLength: maxMessageLength,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}

	return false
}

// HandleMessage normalizes one platform event and hands it to the inbound
// handler, applying the allow list first.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	if c.handler == nil {
		return
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	msg.Platform = c.name
	c.handler(msg)
}

// SplitMessage chunks text to the channel's maximum length in runes.
// A limit of 0 means no limit.
func (c *BaseChannel) SplitMessage(text string) []string {
	if c.maxMessageLength <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= c.maxMessageLength {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		n := c.maxMessageLength
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
