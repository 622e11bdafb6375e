// Package gateway implements the protocol client for the sandbox message
// gateway: one logical websocket connection multiplexing request/response
// exchanges by correlation id, with a challenge/auth handshake, idle-driven
// self-disconnect so the sandbox can suspend, and backoff reconnect while
// requests are outstanding.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kylemclaren/clawrelay/pkg/bus"
	"github.com/kylemclaren/clawrelay/pkg/logger"
)

// ConnState is the single source of truth for connection status. Transport
// and auth progress are one enum so "open but never authenticated" cannot
// be mistaken for usable.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

const clientVersion = "1.0.0"

type Config struct {
	URL   string
	Token string

	IdleTimeout      time.Duration // self-disconnect after this much quiet (default 60s)
	ResponseTimeout  time.Duration // per-exchange response deadline (default 5m)
	HandshakeTimeout time.Duration // challenge + auth bound (default 10s)
	BackoffBase      time.Duration // first reconnect delay (default 1s)
	BackoffMax       time.Duration // reconnect delay cap (default 30s)
}

// session is one physical websocket connection. A fresh session is built
// per connect so a stale read loop can never touch current state.
type session struct {
	conn        *websocket.Conn
	challenge   chan string
	authRes     chan wireMessage
	closed      chan struct{}
	authID      atomic.Value // string
	intentional atomic.Bool  // closed on purpose (idle or shutdown)
}

func (s *session) markIntentional() { s.intentional.Store(true) }

type waitResult struct {
	msg bus.OutboundMessage
	err error
}

// ResponseWait is the two-phase handle for one exchange: registered by
// message id before the request is sent, bound to the real correlation id
// inside SendRelayMessage, resolved by response, timeout or shutdown.
type ResponseWait struct {
	c         *Client
	messageID string
	corrID    string // guarded by c.pendingMu
	ch        chan waitResult
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

type Client struct {
	cfg Config

	mu             sync.Mutex
	state          ConnState
	sess           *session
	shutdown       bool
	connecting     *connectAttempt
	idleTimer      *time.Timer
	reconnectTimer *time.Timer
	backoff        time.Duration

	writeMu sync.Mutex

	pendingMu sync.Mutex
	waiters   map[string]*ResponseWait // message id -> wait
	byCorr    map[string]string        // correlation id -> message id
}

func NewClient(cfg Config) *Client {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Minute
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		waiters: make(map[string]*ResponseWait),
		byCorr:  make(map[string]string),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EnsureConnected returns nil once the connection is Ready. Concurrent
// callers share a single connect attempt and all receive its outcome.
func (c *Client) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if a := c.connecting; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	c.connecting = a
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.connecting = nil
	c.mu.Unlock()
	a.err = err
	close(a.done)
	return err
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL := normalizeWSURL(c.cfg.URL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s := &session{
		conn:      conn,
		challenge: make(chan string, 1),
		authRes:   make(chan wireMessage, 1),
		closed:    make(chan struct{}),
	}

	c.mu.Lock()
	c.sess = s
	c.state = StateAwaitingChallenge
	c.mu.Unlock()

	go c.readLoop(s)

	// One timer bounds the whole handshake, challenge through auth.
	handshake := time.NewTimer(c.cfg.HandshakeTimeout)
	defer handshake.Stop()

	var nonce string
	select {
	case nonce = <-s.challenge:
	case <-s.closed:
		c.teardown(s, false)
		return fmt.Errorf("connection closed before challenge")
	case <-handshake.C:
		c.teardown(s, true)
		return fmt.Errorf("timeout waiting for challenge")
	case <-ctx.Done():
		c.teardown(s, true)
		return ctx.Err()
	}

	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	authID := "auth-" + uuid.NewString()
	s.authID.Store(authID)

	req := wireMessage{
		Type:   "req",
		ID:     authID,
		Method: methodConnect,
		Params: connectParams{
			MinProtocol: minProtocolVersion,
			MaxProtocol: maxProtocolVersion,
			Client: clientInfo{
				ID:          "clawrelay",
				DisplayName: "ClawRelay",
				Version:     clientVersion,
				Platform:    "relay",
			},
			Auth:      connectAuth{Token: c.cfg.Token},
			Challenge: challengeEcho{Nonce: nonce},
		},
	}
	if err := c.writeFrame(s.conn, req); err != nil {
		c.teardown(s, true)
		return fmt.Errorf("sending connect request: %w", err)
	}

	select {
	case res := <-s.authRes:
		if !res.OK {
			authErr := &AuthError{Code: "rejected", Message: "connect rejected"}
			if res.Error != nil {
				authErr.Code = res.Error.Code
				authErr.Message = res.Error.Message
			}
			c.teardown(s, true)
			return authErr
		}
	case <-s.closed:
		c.teardown(s, false)
		return fmt.Errorf("connection closed during auth")
	case <-handshake.C:
		c.teardown(s, true)
		return fmt.Errorf("timeout waiting for auth response")
	case <-ctx.Done():
		c.teardown(s, true)
		return ctx.Err()
	}

	c.mu.Lock()
	c.state = StateReady
	c.backoff = 0
	c.startIdleTimerLocked()
	c.mu.Unlock()

	logger.InfoCF("gateway", "Connected to sandbox gateway", map[string]any{"url": wsURL})
	return nil
}

// teardown closes a session from the connect path. The intentional flag
// keeps handleDisconnect from scheduling a reconnect for it.
func (c *Client) teardown(s *session, intentional bool) {
	if intentional {
		s.markIntentional()
	}
	s.conn.Close()
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(s *session) {
	defer func() {
		close(s.closed)
		c.handleDisconnect(s)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.WarnCF("gateway", "Dropping malformed frame", map[string]any{"error": err.Error()})
			continue
		}

		switch msg.Type {
		case "event":
			if msg.Event == eventChallenge {
				var p challengePayload
				json.Unmarshal(msg.Payload, &p)
				select {
				case s.challenge <- p.Nonce:
				default:
				}
				continue
			}
			// Keepalives and other server pushes carry nothing we act on.
			logger.DebugCF("gateway", "Ignoring server event", map[string]any{"event": msg.Event})
		case "res":
			if id, ok := s.authID.Load().(string); ok && id == msg.ID {
				select {
				case s.authRes <- msg:
				default:
				}
				continue
			}
			c.resolvePending(msg)
		default:
			logger.WarnCF("gateway", "Dropping frame of unknown type", map[string]any{"type": msg.Type})
		}
	}
}

func (c *Client) handleDisconnect(s *session) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	c.stopIdleTimerLocked()

	if c.shutdown || s.intentional.Load() {
		c.backoff = 0
		c.mu.Unlock()
		return
	}

	outstanding := c.pendingCount()
	if outstanding == 0 {
		// Nothing is waiting: treat like idle teardown, let the sandbox
		// suspend. No reconnect.
		c.backoff = 0
		c.mu.Unlock()
		logger.InfoC("gateway", "Disconnected with no outstanding requests")
		return
	}

	delay := c.nextBackoffLocked()
	c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
	logger.WarnCF("gateway", "Connection dropped with outstanding requests, reconnect scheduled", map[string]any{
		"outstanding": outstanding,
		"delay":       delay.String(),
	})
}

// reconnect re-dials after an unexpected drop. It does not retransmit
// outstanding requests: their callers keep waiting for a late response or
// their own timeout, which avoids duplicate processing sandbox-side.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.shutdown || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.EnsureConnected(context.Background()); err != nil {
		c.mu.Lock()
		if !c.shutdown && c.pendingCount() > 0 {
			delay := c.nextBackoffLocked()
			c.reconnectTimer = time.AfterFunc(delay, c.reconnect)
			c.mu.Unlock()
			logger.WarnCF("gateway", "Reconnect failed, retrying", map[string]any{
				"delay": delay.String(),
				"error": err.Error(),
			})
			return
		}
		c.mu.Unlock()
	}
}

func (c *Client) nextBackoffLocked() time.Duration {
	if c.backoff == 0 {
		c.backoff = c.cfg.BackoffBase
	} else {
		c.backoff *= 2
		if c.backoff > c.cfg.BackoffMax {
			c.backoff = c.cfg.BackoffMax
		}
	}
	return c.backoff
}

// WaitForResponse registers a response wait for messageID. Call it before
// (or concurrently with) SendRelayMessage so a response arriving right
// after the send is always observed.
func (c *Client) WaitForResponse(messageID string) *ResponseWait {
	w := &ResponseWait{c: c, messageID: messageID, ch: make(chan waitResult, 1)}

	c.pendingMu.Lock()
	c.waiters[messageID] = w
	c.pendingMu.Unlock()

	// Check shutdown after registering: a Shutdown completing before the
	// insert would otherwise miss this waiter when it sweeps the maps,
	// leaving the caller to ride out its full timeout.
	c.mu.Lock()
	down := c.shutdown
	c.mu.Unlock()
	if down {
		c.removeWait(w)
		select {
		case w.ch <- waitResult{err: ErrShutdown}:
		default:
		}
	}
	return w
}

// Await blocks until the correlated response arrives, the response timeout
// elapses, ctx is canceled, or the client shuts down.
func (w *ResponseWait) Await(ctx context.Context) (bus.OutboundMessage, error) {
	timer := time.NewTimer(w.c.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.msg, r.err
	case <-timer.C:
		w.c.removeWait(w)
		return bus.OutboundMessage{}, fmt.Errorf("%w (message %s)", ErrResponseTimeout, w.messageID)
	case <-ctx.Done():
		w.c.removeWait(w)
		return bus.OutboundMessage{}, ctx.Err()
	}
}

// Cancel unregisters a wait that will never be awaited (e.g. the send
// itself failed).
func (w *ResponseWait) Cancel() {
	w.c.removeWait(w)
}

func (c *Client) removeWait(w *ResponseWait) {
	c.pendingMu.Lock()
	if cur, ok := c.waiters[w.messageID]; ok && cur == w {
		delete(c.waiters, w.messageID)
	}
	if w.corrID != "" {
		delete(c.byCorr, w.corrID)
	}
	c.pendingMu.Unlock()

	// An abandoned wait (timeout, cancel) may have been the last pending
	// exchange; the connection must not sit open with no idle timer.
	c.maybeStartIdle()
}

// pendingCount must be called with c.mu held or from a context where the
// lock order mu -> pendingMu is respected.
func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.waiters)
}

// SendRelayMessage transmits one relay.inbound request. Requires Ready.
// The fresh correlation id is bound to any wait registered for the
// message id, closing the register-before-send handle.
func (c *Client) SendRelayMessage(ctx context.Context, msg bus.InboundMessage) error {
	_ = ctx

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.state != StateReady || c.sess == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	// An active send must not race the idle self-close.
	c.stopIdleTimerLocked()
	s := c.sess
	c.mu.Unlock()

	corrID := "r-" + uuid.NewString()

	c.pendingMu.Lock()
	if w, ok := c.waiters[msg.MessageID]; ok {
		w.corrID = corrID
		c.byCorr[corrID] = msg.MessageID
	} else {
		logger.DebugCF("gateway", "Relay request has no registered wait", map[string]any{"message_id": msg.MessageID})
	}
	c.pendingMu.Unlock()

	frame := wireMessage{
		Type:   "req",
		ID:     corrID,
		Method: methodRelayInbound,
		Params: relayParams{Message: msg},
	}
	if err := c.writeFrame(s.conn, frame); err != nil {
		c.pendingMu.Lock()
		delete(c.byCorr, corrID)
		c.pendingMu.Unlock()
		// The idle timer was stopped for this send; if the connection
		// survives the failed write it must still be able to self-close.
		c.maybeStartIdle()
		return fmt.Errorf("sending relay request: %w", err)
	}
	return nil
}

func (c *Client) resolvePending(msg wireMessage) {
	c.pendingMu.Lock()
	messageID, ok := c.byCorr[msg.ID]
	var w *ResponseWait
	if ok {
		delete(c.byCorr, msg.ID)
		w = c.waiters[messageID]
		delete(c.waiters, messageID)
	}
	c.pendingMu.Unlock()

	if w == nil {
		logger.WarnCF("gateway", "Dropping unmatched response", map[string]any{"id": msg.ID})
		return
	}

	if !msg.OK {
		be := &BackendError{Code: "unknown", Message: "request failed"}
		if msg.Error != nil {
			be.Code = msg.Error.Code
			be.Message = msg.Error.Message
		}
		w.ch <- waitResult{err: be}
	} else {
		var out bus.OutboundMessage
		if err := json.Unmarshal(msg.Payload, &out); err != nil {
			w.ch <- waitResult{err: fmt.Errorf("decoding response payload: %w", err)}
		} else {
			w.ch <- waitResult{msg: out}
		}
	}

	c.maybeStartIdle()
}

// Shutdown stops the client for good: cancels timers, fails every pending
// wait, closes the transport intentionally and blocks any reconnect.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.stopIdleTimerLocked()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	s := c.sess
	c.state = StateDisconnected
	c.mu.Unlock()

	if s != nil {
		s.markIntentional()
		s.conn.Close()
	}

	c.pendingMu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]*ResponseWait)
	c.byCorr = make(map[string]string)
	c.pendingMu.Unlock()
	for _, w := range waiters {
		select {
		case w.ch <- waitResult{err: ErrShutdown}:
		default:
		}
	}

	logger.InfoC("gateway", "Client shut down")
}

func (c *Client) startIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, c.idleClose)
}

func (c *Client) stopIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Client) maybeStartIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || c.state != StateReady {
		return
	}
	if c.pendingCount() > 0 {
		return
	}
	c.startIdleTimerLocked()
}

// idleClose proactively drops the connection after a quiet period so the
// sandbox is free to suspend. Distinguished from unexpected closure via
// the session's intentional flag.
func (c *Client) idleClose() {
	c.mu.Lock()
	if c.shutdown || c.state != StateReady || c.sess == nil || c.pendingCount() > 0 {
		c.mu.Unlock()
		return
	}
	s := c.sess
	s.markIntentional()
	c.mu.Unlock()

	logger.InfoC("gateway", "Idle, disconnecting so the sandbox can suspend")
	s.conn.Close()
}

func (c *Client) writeFrame(conn *websocket.Conn, frame wireMessage) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func normalizeWSURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "ws://"), strings.HasPrefix(raw, "wss://"):
		return raw
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	default:
		return "wss://" + raw
	}
}
