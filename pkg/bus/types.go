// Package bus defines the normalized message envelope exchanged between
// platform channels, the relay orchestrator and the sandbox gateway. The
// structs here are also the wire payload of the relay.inbound method, so
// field names are part of the protocol.
package bus

// ChatType distinguishes group chats from direct conversations.
type ChatType string

const (
	ChatTypeGroup  ChatType = "group"
	ChatTypeDirect ChatType = "direct"
)

// InboundMessage is a platform event normalized by a channel adapter.
// Immutable once created; MessageID is unique within its platform.
type InboundMessage struct {
	MessageID   string   `json:"message_id"`
	Platform    string   `json:"platform"`
	ChannelID   string   `json:"channel_id"`
	GroupID     string   `json:"group_id,omitempty"`
	SenderID    string   `json:"sender_id"`
	SenderName  string   `json:"sender_name"`
	Content     string   `json:"content"`
	ChatType    ChatType `json:"chat_type"`
	GroupName   string   `json:"group_name,omitempty"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// OutboundMessage is the sandbox's reply to one InboundMessage.
// MessageID equals the originating InboundMessage.MessageID.
type OutboundMessage struct {
	MessageID        string `json:"message_id"`
	Content          string `json:"content"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}
