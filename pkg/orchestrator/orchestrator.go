// Package orchestrator turns bursts of inbound platform messages into
// strictly serial sandbox exchanges. It owns the in-memory FIFO queue,
// wakes the sandbox on demand, keeps the originating platform responsive
// with typing refreshes, and delivers replies (or generic failure notices)
// back through the originating adapter.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/kylemclaren/clawrelay/pkg/bus"
	"github.com/kylemclaren/clawrelay/pkg/logger"
)

// Wait is one registered response exchange, resolved by the gateway client.
type Wait interface {
	Await(ctx context.Context) (bus.OutboundMessage, error)
	Cancel()
}

// Backend is the sandbox gateway as the orchestrator sees it.
type Backend interface {
	EnsureConnected(ctx context.Context) error
	WaitForResponse(messageID string) Wait
	SendRelayMessage(ctx context.Context, msg bus.InboundMessage) error
}

// Waker brings the sandbox up and tracks its readiness.
type Waker interface {
	EnsureReady(ctx context.Context) error
	MarkUnknown()
}

// Adapter is the capability set consumed per platform. SendTyping is
// best-effort and must never fail the caller.
type Adapter interface {
	Name() string
	SendTyping(ctx context.Context, channelID string)
	SendMessage(ctx context.Context, channelID, text, replyTo string) error
}

type queueEntry struct {
	msg        bus.InboundMessage
	platform   string
	channelID  string
	messageID  string
	enqueuedAt time.Time
}

type Config struct {
	QueueTTL        time.Duration // entries older than this are dropped unprocessed (default 5m)
	TypingInterval  time.Duration // typing refresh period (default 8s)
	TypingMax       time.Duration // hard cap on one entry's typing (default 3m)
	UnavailableText string
	FailureText     string
}

type Orchestrator struct {
	cfg      Config
	waker    Waker
	backend  Backend
	adapters map[string]Adapter

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	queue      []queueEntry
	processing bool
	stopped    bool
}

func New(cfg Config, waker Waker, backend Backend) *Orchestrator {
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 5 * time.Minute
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = 8 * time.Second
	}
	if cfg.TypingMax <= 0 {
		cfg.TypingMax = 3 * time.Minute
	}
	if cfg.UnavailableText == "" {
		cfg.UnavailableText = "The assistant is unavailable right now. Please try again in a few minutes."
	}
	if cfg.FailureText == "" {
		cfg.FailureText = "Something went wrong while handling your message. Please try again."
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		waker:    waker,
		backend:  backend,
		adapters: make(map[string]Adapter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterAdapter makes an adapter available for its platform name.
func (o *Orchestrator) RegisterAdapter(a Adapter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.adapters[a.Name()] = a
}

func (o *Orchestrator) adapter(platform string) Adapter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.adapters[platform]
}

// QueueDepth returns the number of entries waiting to be processed.
func (o *Orchestrator) QueueDepth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Stop cancels the processing loop and all typing refreshers. Queued
// entries are dropped: the queue is in-memory only.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
	o.cancel()
}

// OnInboundMessage enqueues one normalized message, fires a best-effort
// typing indicator and kicks the processing loop. Kicking is idempotent:
// at most one loop runs at a time.
func (o *Orchestrator) OnInboundMessage(msg bus.InboundMessage) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, queueEntry{
		msg:        msg,
		platform:   msg.Platform,
		channelID:  msg.ChannelID,
		messageID:  msg.MessageID,
		enqueuedAt: time.Now(),
	})
	depth := len(o.queue)
	start := !o.processing
	if start {
		o.processing = true
	}
	o.mu.Unlock()

	logger.InfoCF("orchestrator", "Message enqueued", map[string]any{
		"platform":   msg.Platform,
		"message_id": msg.MessageID,
		"depth":      depth,
	})

	if a := o.adapter(msg.Platform); a != nil {
		go a.SendTyping(o.ctx, msg.ChannelID)
	}

	if start {
		go o.processLoop()
	}
}

// processLoop is the single serial consumer: prune, ensure the sandbox is
// reachable, pop the oldest entry, process it to completion, repeat.
func (o *Orchestrator) processLoop() {
	for {
		if o.ctx.Err() != nil {
			o.finishLoop()
			return
		}

		o.pruneExpired()

		o.mu.Lock()
		if len(o.queue) == 0 {
			o.processing = false
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()

		// After a drain, go around again: an entry enqueued while the
		// drain was delivering notices sees processing still set and
		// relies on this loop to pick it up. The queue-empty check above
		// is the only exit that clears the flag.
		if err := o.waker.EnsureReady(o.ctx); err != nil {
			o.drainUnavailable(err)
			continue
		}
		if err := o.backend.EnsureConnected(o.ctx); err != nil {
			o.drainUnavailable(err)
			continue
		}

		entry, ok := o.pop()
		if !ok {
			continue
		}
		o.processEntry(entry)
	}
}

func (o *Orchestrator) finishLoop() {
	o.mu.Lock()
	o.processing = false
	o.mu.Unlock()
}

func (o *Orchestrator) pop() (queueEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return queueEntry{}, false
	}
	entry := o.queue[0]
	o.queue = o.queue[1:]
	return entry, true
}

// pruneExpired drops entries older than the TTL without forwarding them.
// An entry already being processed is never touched: it left the queue.
func (o *Orchestrator) pruneExpired() {
	now := time.Now()

	o.mu.Lock()
	kept := make([]queueEntry, 0, len(o.queue))
	var dropped []queueEntry
	for _, e := range o.queue {
		if now.Sub(e.enqueuedAt) > o.cfg.QueueTTL {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	o.queue = kept
	o.mu.Unlock()

	for _, e := range dropped {
		logger.WarnCF("orchestrator", "Dropping expired queue entry", map[string]any{
			"platform":   e.platform,
			"message_id": e.messageID,
			"age":        now.Sub(e.enqueuedAt).String(),
		})
	}
}

// drainUnavailable empties the current backlog with a user-visible notice
// on each entry's originating platform. A sandbox-unavailability event
// invalidates the whole backlog rather than retrying entry by entry.
func (o *Orchestrator) drainUnavailable(cause error) {
	o.mu.Lock()
	entries := o.queue
	o.queue = nil
	o.mu.Unlock()

	o.waker.MarkUnknown()

	logger.ErrorCF("orchestrator", "Sandbox unreachable, draining queue", map[string]any{
		"queued": len(entries),
		"error":  cause.Error(),
	})

	for _, e := range entries {
		a := o.adapter(e.platform)
		if a == nil {
			continue
		}
		if err := a.SendMessage(o.ctx, e.channelID, o.cfg.UnavailableText, e.messageID); err != nil {
			logger.ErrorCF("orchestrator", "Failed to deliver unavailable notice", map[string]any{
				"platform":   e.platform,
				"message_id": e.messageID,
				"error":      err.Error(),
			})
		}
	}
}

func (o *Orchestrator) processEntry(entry queueEntry) {
	a := o.adapter(entry.platform)

	stopTyping := o.startTypingRefresh(a, entry.channelID)
	defer stopTyping()

	// Register the wait before sending so a response arriving immediately
	// after the send is still observed.
	wait := o.backend.WaitForResponse(entry.messageID)

	if err := o.backend.SendRelayMessage(o.ctx, entry.msg); err != nil {
		wait.Cancel()
		o.failEntry(a, entry, err)
		return
	}

	out, err := wait.Await(o.ctx)
	stopTyping()
	if err != nil {
		o.failEntry(a, entry, err)
		return
	}

	replyTo := out.ReplyToMessageID
	if replyTo == "" {
		replyTo = entry.messageID
	}

	if a == nil {
		logger.WarnCF("orchestrator", "No adapter for platform, reply dropped", map[string]any{
			"platform": entry.platform,
		})
		return
	}
	if err := a.SendMessage(o.ctx, entry.channelID, out.Content, replyTo); err != nil {
		logger.ErrorCF("orchestrator", "Failed to deliver reply", map[string]any{
			"platform":   entry.platform,
			"message_id": entry.messageID,
			"error":      err.Error(),
		})
		return
	}

	logger.InfoCF("orchestrator", "Reply delivered", map[string]any{
		"platform":   entry.platform,
		"message_id": entry.messageID,
	})
}

// failEntry handles any per-entry failure: readiness is reset so the next
// cycle re-verifies liveness, and the user gets a short generic notice.
// Internal detail stays in the log, never in the chat.
func (o *Orchestrator) failEntry(a Adapter, entry queueEntry, cause error) {
	o.waker.MarkUnknown()

	logger.ErrorCF("orchestrator", "Exchange failed", map[string]any{
		"platform":   entry.platform,
		"message_id": entry.messageID,
		"error":      cause.Error(),
	})

	if a == nil {
		return
	}
	if err := a.SendMessage(o.ctx, entry.channelID, o.cfg.FailureText, entry.messageID); err != nil {
		logger.ErrorCF("orchestrator", "Failed to deliver failure notice", map[string]any{
			"platform":   entry.platform,
			"message_id": entry.messageID,
			"error":      err.Error(),
		})
	}
}

// startTypingRefresh re-fires the typing indicator on a fixed interval,
// capped at TypingMax so it cannot spin forever if the sandbox never
// answers. The returned stop func is safe to call more than once.
func (o *Orchestrator) startTypingRefresh(a Adapter, channelID string) func() {
	if a == nil {
		return func() {}
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		a.SendTyping(o.ctx, channelID)

		ticker := time.NewTicker(o.cfg.TypingInterval)
		defer ticker.Stop()
		max := time.NewTimer(o.cfg.TypingMax)
		defer max.Stop()

		for {
			select {
			case <-ticker.C:
				a.SendTyping(o.ctx, channelID)
			case <-max.C:
				return
			case <-stop:
				return
			case <-o.ctx.Done():
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(stop) })
	}
}
