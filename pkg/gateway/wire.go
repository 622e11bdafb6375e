package gateway

import "encoding/json"

// Wire format of the sandbox gateway: three frame kinds multiplexed over
// one websocket. Requests and responses correlate by ID; events are pushed
// by the server at any time.
type wireMessage struct {
	Type    string          `json:"type"` // "req" | "res" | "event"
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// challengePayload is the payload of the connect.challenge event.
type challengePayload struct {
	Nonce string `json:"nonce"`
}

// connectParams is the body of the auth request sent in reply to the
// challenge.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      clientInfo    `json:"client"`
	Auth        connectAuth   `json:"auth"`
	Challenge   challengeEcho `json:"challenge"`
}

type clientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type challengeEcho struct {
	Nonce string `json:"nonce"`
}

// relayParams is the body of a relay.inbound request.
type relayParams struct {
	Message any `json:"message"`
}

const (
	minProtocolVersion = 1
	maxProtocolVersion = 1

	methodConnect      = "connect"
	methodRelayInbound = "relay.inbound"

	eventChallenge = "connect.challenge"
)
