package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kylemclaren/clawrelay/pkg/bus"
)

type waitOut struct {
	msg bus.OutboundMessage
	err error
}

type fakeWait struct {
	ch       chan waitOut
	canceled atomic.Bool
}

func (w *fakeWait) Await(ctx context.Context) (bus.OutboundMessage, error) {
	select {
	case out := <-w.ch:
		return out.msg, out.err
	case <-ctx.Done():
		return bus.OutboundMessage{}, ctx.Err()
	}
}

func (w *fakeWait) Cancel() { w.canceled.Store(true) }

// fakeBackend resolves each registered wait when the matching message is
// sent, after an optional delay. respond defaults to a simple echo.
type fakeBackend struct {
	mu         sync.Mutex
	waits      map[string]*fakeWait
	sent       []string
	connectErr error
	sendErr    error
	delay      time.Duration
	respond    func(msg bus.InboundMessage) (bus.OutboundMessage, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		waits: make(map[string]*fakeWait),
		respond: func(msg bus.InboundMessage) (bus.OutboundMessage, error) {
			return bus.OutboundMessage{MessageID: msg.MessageID, Content: "echo: " + msg.Content}, nil
		},
	}
}

func (b *fakeBackend) EnsureConnected(ctx context.Context) error { return b.connectErr }

func (b *fakeBackend) WaitForResponse(messageID string) Wait {
	w := &fakeWait{ch: make(chan waitOut, 1)}
	b.mu.Lock()
	b.waits[messageID] = w
	b.mu.Unlock()
	return w
}

func (b *fakeBackend) SendRelayMessage(ctx context.Context, msg bus.InboundMessage) error {
	if b.sendErr != nil {
		return b.sendErr
	}

	cur := b.inFlight.Add(1)
	for {
		max := b.maxInFlight.Load()
		if cur <= max || b.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	b.mu.Lock()
	b.sent = append(b.sent, msg.MessageID)
	w := b.waits[msg.MessageID]
	b.mu.Unlock()

	go func() {
		if b.delay > 0 {
			time.Sleep(b.delay)
		}
		b.inFlight.Add(-1)
		if w != nil {
			out, err := b.respond(msg)
			w.ch <- waitOut{msg: out, err: err}
		}
	}()
	return nil
}

func (b *fakeBackend) sentIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBackend) waitFor(messageID string) *fakeWait {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waits[messageID]
}

type fakeWaker struct {
	mu           sync.Mutex
	readyErr     error
	gate         chan struct{}
	readyCalls   atomic.Int64
	unknownCalls atomic.Int64
}

func (f *fakeWaker) setErr(err error) {
	f.mu.Lock()
	f.readyErr = err
	f.mu.Unlock()
}

func (f *fakeWaker) EnsureReady(ctx context.Context) error {
	f.readyCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeWaker) MarkUnknown() { f.unknownCalls.Add(1) }

type sentMessage struct {
	channelID string
	text      string
	replyTo   string
}

type fakeAdapter struct {
	name    string
	sendErr error

	// When blockSend is set, SendMessage signals entered and then waits
	// for blockSend before recording anything.
	blockSend chan struct{}
	entered   chan struct{}

	mu       sync.Mutex
	typing   int
	messages []sentMessage
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) SendTyping(ctx context.Context, channelID string) {
	a.mu.Lock()
	a.typing++
	a.mu.Unlock()
}

func (a *fakeAdapter) SendMessage(ctx context.Context, channelID, text, replyTo string) error {
	if a.blockSend != nil {
		select {
		case a.entered <- struct{}{}:
		default:
		}
		<-a.blockSend
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.messages = append(a.messages, sentMessage{channelID: channelID, text: text, replyTo: replyTo})
	return nil
}

func (a *fakeAdapter) sent() []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMessage(nil), a.messages...)
}

func (a *fakeAdapter) typingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.typing
}

func inbound(id, content string) bus.InboundMessage {
	return bus.InboundMessage{
		MessageID: id,
		Platform:  "test",
		ChannelID: "chan-1",
		SenderID:  "user-1",
		Content:   content,
		ChatType:  bus.ChatTypeDirect,
	}
}

func newTestOrchestrator(cfg Config, waker Waker, backend Backend) (*Orchestrator, *fakeAdapter) {
	o := New(cfg, waker, backend)
	a := &fakeAdapter{name: "test"}
	o.RegisterAdapter(a)
	return o, a
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestProcessing_FIFOAndSerial(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 20 * time.Millisecond
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	for i := 1; i <= 3; i++ {
		o.OnInboundMessage(inbound(fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i)))
	}

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 3 }) {
		t.Fatalf("expected 3 replies, got %d", len(adapter.sent()))
	}

	got := backend.sentIDs()
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("send order %v, want %v", got, want)
		}
	}
	if max := backend.maxInFlight.Load(); max != 1 {
		t.Errorf("expected strictly serial exchanges, saw %d in flight", max)
	}

	for i, m := range adapter.sent() {
		if m.text != fmt.Sprintf("echo: msg %d", i+1) {
			t.Errorf("reply %d: unexpected text %q", i, m.text)
		}
		if m.replyTo != want[i] {
			t.Errorf("reply %d: replyTo %q, want %q", i, m.replyTo, want[i])
		}
	}
	if o.QueueDepth() != 0 {
		t.Errorf("queue not drained: depth %d", o.QueueDepth())
	}
}

func TestColdStart_TwoMessagesSerialInOrder(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 20 * time.Millisecond
	waker := &fakeWaker{gate: make(chan struct{})}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	// Both messages arrive while the sandbox is still waking.
	o.OnInboundMessage(inbound("m1", "first"))
	o.OnInboundMessage(inbound("m2", "second"))
	close(waker.gate)

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 2 }) {
		t.Fatalf("expected 2 replies, got %d", len(adapter.sent()))
	}

	got := backend.sentIDs()
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Errorf("send order %v, want [m1 m2]", got)
	}
	if max := backend.maxInFlight.Load(); max != 1 {
		t.Errorf("expected serial exchanges, saw %d in flight", max)
	}
	if adapter.sent()[0].replyTo != "m1" || adapter.sent()[1].replyTo != "m2" {
		t.Errorf("replies out of order: %+v", adapter.sent())
	}
}

func TestWakeFailure_DrainsWholeBacklog(t *testing.T) {
	backend := newFakeBackend()
	waker := &fakeWaker{gate: make(chan struct{}), readyErr: errors.New("sandbox did not come up")}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	// Hold the loop in the wake step so both entries are backlogged when it
	// fails.
	o.OnInboundMessage(inbound("m1", "first"))
	o.OnInboundMessage(inbound("m2", "second"))
	close(waker.gate)

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 2 }) {
		t.Fatalf("expected 2 unavailable notices, got %d", len(adapter.sent()))
	}

	for i, m := range adapter.sent() {
		if !strings.Contains(m.text, "unavailable") {
			t.Errorf("notice %d: unexpected text %q", i, m.text)
		}
	}
	if len(backend.sentIDs()) != 0 {
		t.Errorf("entries were relayed despite wake failure: %v", backend.sentIDs())
	}
	if waker.unknownCalls.Load() == 0 {
		t.Error("expected readiness to be reset after wake failure")
	}
	if o.QueueDepth() != 0 {
		t.Errorf("queue not drained: depth %d", o.QueueDepth())
	}
}

func TestConnectFailure_DrainsWholeBacklog(t *testing.T) {
	backend := newFakeBackend()
	backend.connectErr = errors.New("gateway refused")
	waker := &fakeWaker{gate: make(chan struct{})}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "first"))
	o.OnInboundMessage(inbound("m2", "second"))
	close(waker.gate)

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 2 }) {
		t.Fatalf("expected 2 unavailable notices, got %d", len(adapter.sent()))
	}
	if len(backend.sentIDs()) != 0 {
		t.Errorf("entries were relayed despite connect failure: %v", backend.sentIDs())
	}
	if waker.unknownCalls.Load() == 0 {
		t.Error("expected readiness to be reset after connect failure")
	}
}

func TestEnqueueDuringDrain_IsNotStranded(t *testing.T) {
	backend := newFakeBackend()
	waker := &fakeWaker{readyErr: errors.New("sandbox did not come up")}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	adapter.blockSend = make(chan struct{})
	adapter.entered = make(chan struct{}, 1)

	// First entry hits the wake failure and the drain starts delivering
	// its unavailable notice.
	o.OnInboundMessage(inbound("m1", "doomed"))
	<-adapter.entered

	// Sandbox recovers, and a new message lands while the drain is still
	// mid-delivery. The running loop must pick it up, not leave it queued
	// with no consumer.
	waker.setErr(nil)
	o.OnInboundMessage(inbound("m2", "alive again"))
	close(adapter.blockSend)

	if !waitUntil(t, 2*time.Second, func() bool {
		ids := backend.sentIDs()
		return len(ids) == 1 && ids[0] == "m2" && o.QueueDepth() == 0
	}) {
		t.Fatalf("mid-drain entry stranded: relayed %v, depth %d", backend.sentIDs(), o.QueueDepth())
	}

	msgs := adapter.sent()
	if len(msgs) != 2 {
		t.Fatalf("expected unavailable notice + reply, got %v", msgs)
	}
	if !strings.Contains(msgs[0].text, "unavailable") || msgs[0].replyTo != "m1" {
		t.Errorf("first delivery should be m1's unavailable notice: %+v", msgs[0])
	}
	if msgs[1].text != "echo: alive again" || msgs[1].replyTo != "m2" {
		t.Errorf("second delivery should be m2's reply: %+v", msgs[1])
	}
}

func TestExpiredEntry_DroppedWithoutNotice(t *testing.T) {
	backend := newFakeBackend()
	waker := &fakeWaker{gate: make(chan struct{})}
	o, adapter := newTestOrchestrator(Config{QueueTTL: time.Minute}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "fresh"))
	o.OnInboundMessage(inbound("m2", "stale"))

	// Age the second entry past the TTL while the loop is parked in the
	// wake step.
	o.mu.Lock()
	for i := range o.queue {
		if o.queue[i].messageID == "m2" {
			o.queue[i].enqueuedAt = time.Now().Add(-10 * time.Minute)
		}
	}
	o.mu.Unlock()
	close(waker.gate)

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 1 && o.QueueDepth() == 0 }) {
		t.Fatalf("expected exactly 1 reply, got %d (depth %d)", len(adapter.sent()), o.QueueDepth())
	}

	if got := backend.sentIDs(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("relayed %v, want only m1", got)
	}
	// The stale entry is dropped silently, no notice and no failure text.
	if m := adapter.sent()[0]; m.replyTo != "m1" {
		t.Errorf("unexpected delivery %+v", m)
	}
}

func TestBackendError_GenericFailureText(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(msg bus.InboundMessage) (bus.OutboundMessage, error) {
		return bus.OutboundMessage{}, errors.New("boom: stack trace and internals")
	}
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "hello"))

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 1 }) {
		t.Fatalf("expected a failure notice, got %d messages", len(adapter.sent()))
	}

	m := adapter.sent()[0]
	if strings.Contains(m.text, "boom") {
		t.Errorf("internal error detail leaked to the user: %q", m.text)
	}
	if !strings.Contains(m.text, "went wrong") {
		t.Errorf("unexpected failure text %q", m.text)
	}
	if m.replyTo != "m1" {
		t.Errorf("failure notice replyTo %q, want m1", m.replyTo)
	}
	if waker.unknownCalls.Load() != 1 {
		t.Errorf("expected 1 readiness reset, got %d", waker.unknownCalls.Load())
	}
}

func TestSendError_CancelsWait(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("write: broken pipe")
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "hello"))

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 1 }) {
		t.Fatalf("expected a failure notice, got %d messages", len(adapter.sent()))
	}

	w := backend.waitFor("m1")
	if w == nil {
		t.Fatal("wait was never registered")
	}
	if !w.canceled.Load() {
		t.Error("wait was not canceled after the send failed")
	}
	if !strings.Contains(adapter.sent()[0].text, "went wrong") {
		t.Errorf("unexpected failure text %q", adapter.sent()[0].text)
	}
}

func TestTypingRefresh_RepeatsWhileWaiting(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 120 * time.Millisecond
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{TypingInterval: 20 * time.Millisecond}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "slow one"))

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 1 }) {
		t.Fatal("reply never arrived")
	}

	// One immediate indicator plus several interval refreshes over ~120ms.
	if got := adapter.typingCount(); got < 3 {
		t.Errorf("expected repeated typing refreshes, got %d", got)
	}
}

func TestTypingRefresh_StopsAtCap(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 200 * time.Millisecond
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{
		TypingInterval: 10 * time.Millisecond,
		TypingMax:      40 * time.Millisecond,
	}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "very slow"))

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 1 }) {
		t.Fatal("reply never arrived")
	}
	after := adapter.typingCount()
	time.Sleep(100 * time.Millisecond)
	if got := adapter.typingCount(); got != after {
		t.Errorf("typing refresh kept firing past the cap: %d -> %d", after, got)
	}
	// ~4 ticks fit under the cap; anything far beyond that means the cap
	// did not take.
	if after > 10 {
		t.Errorf("too many typing refreshes for a 40ms cap: %d", after)
	}
}

func TestStop_RejectsNewMessages(t *testing.T) {
	backend := newFakeBackend()
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)

	o.Stop()
	o.OnInboundMessage(inbound("m1", "late"))

	if o.QueueDepth() != 0 {
		t.Errorf("message enqueued after stop: depth %d", o.QueueDepth())
	}
	time.Sleep(50 * time.Millisecond)
	if len(backend.sentIDs()) != 0 {
		t.Errorf("message relayed after stop: %v", backend.sentIDs())
	}
	if len(adapter.sent()) != 0 {
		t.Errorf("message delivered after stop: %v", adapter.sent())
	}
}

func TestReply_FallsBackToOriginMessageID(t *testing.T) {
	backend := newFakeBackend()
	backend.respond = func(msg bus.InboundMessage) (bus.OutboundMessage, error) {
		// Sandbox omits the reply target.
		return bus.OutboundMessage{MessageID: msg.MessageID, Content: "answer"}, nil
	}
	waker := &fakeWaker{}
	o, adapter := newTestOrchestrator(Config{}, waker, backend)
	defer o.Stop()

	o.OnInboundMessage(inbound("m1", "question"))

	if !waitUntil(t, 2*time.Second, func() bool { return len(adapter.sent()) == 1 }) {
		t.Fatal("reply never arrived")
	}
	if m := adapter.sent()[0]; m.replyTo != "m1" {
		t.Errorf("replyTo %q, want fallback to m1", m.replyTo)
	}
}
