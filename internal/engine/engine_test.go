package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/hostlink/internal/bus"
	"github.com/matheus3301/hostlink/internal/content"
	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/staging"
	"github.com/matheus3301/hostlink/internal/transport"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

type sent struct {
	HostID    string
	EventType string
	Payload   any
}

// fakeTransport records every outbound send and returns a configurable
// connectivity result.
type fakeTransport struct {
	mu    sync.Mutex
	ok    bool
	sends []sent
}

func (f *fakeTransport) Send(hostID, eventType string, payload any, _ map[string]string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sent{HostID: hostID, EventType: eventType, Payload: payload})
	return f.ok
}

func (f *fakeTransport) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sends {
		if s.EventType == eventType {
			n++
		}
	}
	return n
}

func (f *fakeTransport) last(eventType string) (sent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sends) - 1; i >= 0; i-- {
		if f.sends[i].EventType == eventType {
			return f.sends[i], true
		}
	}
	return sent{}, false
}

var testConvKey = convo.Key{HostID: "h1", ToolID: "t1"}

func newTestEngine(t *testing.T, ft *fakeTransport) *Engine {
	t.Helper()
	e := New(nil, ft, nil, bus.New(), Options{
		StagingTimeout: 150 * time.Millisecond,
		PersistQuiet:   10 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(e.Stop)
	return e
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func getConv(e *Engine, key convo.Key) *convo.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convos.Get(key)
}

func running(e *Engine, key convo.Key) *convo.QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convos.Get(key)
	if c == nil {
		return nil
	}
	return c.Running
}

func queueLen(e *Engine, key convo.Key) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convos.Get(key)
	if c == nil {
		return 0
	}
	return len(c.Queue)
}

// checkInvariants asserts the store-wide properties that must hold after
// every event: a running item never shares its id with a queued one, and
// at most one message is mid-flight.
func checkInvariants(t *testing.T, e *Engine, key convo.Key) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convos.Get(key)
	if c == nil {
		return
	}
	if c.Running != nil {
		for _, item := range c.Queue {
			if item.QueueItemID == c.Running.QueueItemID {
				t.Fatalf("item %s is both queued and running", item.QueueItemID)
			}
		}
	}
	inFlight := 0
	for _, m := range c.Messages {
		if m.Status == convo.StatusStreaming || m.Status == convo.StatusSending {
			inFlight++
		}
	}
	if inFlight > 1 {
		t.Fatalf("%d messages mid-flight, want at most 1", inFlight)
	}
}

func TestScenarioHelloStream(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	if _, err := e.Enqueue("h1", "t1", "hello", nil); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "chat_send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	s, _ := ft.last(wire.TypeChatSend)
	req := s.Payload.(wire.ChatSend)
	if req.Text != "hello" {
		t.Fatalf("sent text = %q, want hello", req.Text)
	}
	if running(e, testConvKey) == nil {
		t.Fatal("no running item after successful send")
	}
	checkInvariants(t, e, testConvKey)

	e.handleChatStarted("h1", wire.ChatStarted{RequestID: req.RequestID, ToolID: "t1"})
	e.handleChatChunk("h1", wire.ChatChunk{RequestID: req.RequestID, ToolID: "t1", Text: "Hi"})
	e.handleChatChunk("h1", wire.ChatChunk{RequestID: req.RequestID, ToolID: "t1", Text: "Hi"})
	checkInvariants(t, e, testConvKey)
	e.handleChatFinished("h1", wire.ChatFinished{RequestID: req.RequestID, ToolID: "t1", Status: "completed"})

	c := getConv(e, testConvKey)
	var assistant *convo.Message
	for _, m := range c.Messages {
		if m.Role == convo.RoleAssistant {
			if assistant != nil {
				t.Fatal("more than one assistant message")
			}
			assistant = m
		}
	}
	if assistant == nil {
		t.Fatal("no assistant message")
	}
	if assistant.Text != "HiHi" || assistant.Status != convo.StatusCompleted {
		t.Errorf("assistant = {text: %q, status: %s}, want {HiHi, completed}", assistant.Text, assistant.Status)
	}
	if queueLen(e, testConvKey) != 0 || running(e, testConvKey) != nil {
		t.Error("queue/running not drained after finish")
	}
	if user := c.Messages[0]; user.Status != convo.StatusCompleted {
		t.Errorf("user message status = %s, want completed", user.Status)
	}
	if c.Error != "" {
		t.Errorf("conversation error = %q, want empty", c.Error)
	}
	checkInvariants(t, e, testConvKey)
}

func TestAtMostOneDispatch(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	// Enqueue while "offline" would skip dispatch; instead enqueue online
	// and race extra triggers against the one Enqueue starts.
	if _, err := e.Enqueue("h1", "t1", "once", nil); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.MaybeDispatchNext(testConvKey)
		}()
	}
	wg.Wait()
	waitUntil(t, "send", func() bool { return ft.count(wire.TypeChatSend) >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := ft.count(wire.TypeChatSend); got != 1 {
		t.Errorf("chat_send count = %d, want exactly 1 before a terminal event", got)
	}
	checkInvariants(t, e, testConvKey)
}

func TestSecondItemWaitsForTerminal(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "first", nil)
	waitUntil(t, "first send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	_, _ = e.Enqueue("h1", "t1", "second", nil)

	time.Sleep(50 * time.Millisecond)
	if got := ft.count(wire.TypeChatSend); got != 1 {
		t.Fatalf("chat_send count = %d, want 1 while first is running", got)
	}

	s, _ := ft.last(wire.TypeChatSend)
	first := s.Payload.(wire.ChatSend)
	e.handleChatFinished("h1", wire.ChatFinished{RequestID: first.RequestID, ToolID: "t1", Status: "completed"})

	waitUntil(t, "second send", func() bool { return ft.count(wire.TypeChatSend) == 2 })
	s, _ = ft.last(wire.TypeChatSend)
	if s.Payload.(wire.ChatSend).Text != "second" {
		t.Errorf("second send text = %q", s.Payload.(wire.ChatSend).Text)
	}
	checkInvariants(t, e, testConvKey)
}

func TestTransportSendFailure(t *testing.T) {
	ft := &fakeTransport{ok: false}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "doomed", nil)

	waitUntil(t, "local failure", func() bool {
		c := getConv(e, testConvKey)
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(c.Queue) == 0 && c.Running == nil
	})

	c := getConv(e, testConvKey)
	if c.Error != errTextTransport {
		t.Errorf("conversation error = %q, want %q", c.Error, errTextTransport)
	}
	if c.Messages[0].Status != convo.StatusFailed {
		t.Errorf("user message status = %s, want failed", c.Messages[0].Status)
	}
	// No automatic retry.
	time.Sleep(50 * time.Millisecond)
	if got := ft.count(wire.TypeChatSend); got != 1 {
		t.Errorf("chat_send attempts = %d, want 1", got)
	}
}

func TestOfflineDemotesRunning(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	queueItemID, _ := e.Enqueue("h1", "t1", "in flight", nil)
	waitUntil(t, "running", func() bool { return running(e, testConvKey) != nil })

	s, _ := ft.last(wire.TypeChatSend)
	req := s.Payload.(wire.ChatSend)
	e.handleChatStarted("h1", wire.ChatStarted{RequestID: req.RequestID, ToolID: "t1"})

	e.HostOffline("h1")

	c := getConv(e, testConvKey)
	if c.Running != nil {
		t.Error("running slot survived offline transition")
	}
	if len(c.Queue) != 1 || c.Queue[0].QueueItemID != queueItemID {
		t.Fatalf("queue = %+v, want the demoted item at position 0", c.Queue)
	}
	if c.Queue[0].Text != "in flight" {
		t.Errorf("demoted item text = %q, content must be unchanged", c.Queue[0].Text)
	}
	if c.Online || c.Availability != convo.AvailOffline {
		t.Errorf("conversation = {online: %v, availability: %s}", c.Online, c.Availability)
	}
	// The assistant placeholder was mid-stream: finalized interrupted with
	// synthesized text.
	assistant := c.AssistantMessageByRequest(req.RequestID)
	if assistant == nil || assistant.Status != convo.StatusInterrupted || assistant.Text == "" {
		t.Errorf("assistant = %+v, want interrupted with synthesized text", assistant)
	}
	checkInvariants(t, e, testConvKey)
}

func TestStagingTimeoutFallsBackToInline(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, err := e.Enqueue("h1", "t1", "", []content.Part{{
		Kind:       content.KindImage,
		MediaID:    "m1",
		MIME:       "image/png",
		Size:       3,
		InlineData: []byte{1, 2, 3},
	}})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "media_stage request", func() bool { return ft.count(wire.TypeMediaStage) == 1 })
	// No staging event ever arrives: the 150ms timeout fires, the code
	// permits fallback and the payload is still local, so the request is
	// sent anyway.
	waitUntil(t, "chat_send after fallback", func() bool { return ft.count(wire.TypeChatSend) == 1 })

	s, _ := ft.last(wire.TypeChatSend)
	req := s.Payload.(wire.ChatSend)
	if len(req.Content) != 1 {
		t.Fatalf("sent %d parts, want 1", len(req.Content))
	}
	if req.Content[0].StageStatus != content.StageFallbackInline {
		t.Errorf("part stage status = %s, want fallback_inline", req.Content[0].StageStatus)
	}
	if len(req.Content[0].InlineData) != 3 {
		t.Errorf("inline payload missing from fallback part")
	}
}

func TestTerminalStagingFailureFailsLocally(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "", []content.Part{{
		Kind:       content.KindImage,
		MediaID:    "m1",
		MIME:       "image/png",
		Size:       3,
		InlineData: []byte{1, 2, 3},
	}})

	waitUntil(t, "media_stage request", func() bool { return ft.count(wire.TypeMediaStage) == 1 })
	s, _ := ft.last(wire.TypeMediaStage)
	stage := s.Payload.(wire.MediaStage)

	// Explicit remote rejection: terminal, no fallback even though the
	// payload is still local.
	e.staging.Fail(staging.TupleKey{
		HostID: "h1", Conv: testConvKey, RequestID: stage.RequestID, MediaID: "m1",
	}, staging.CodeRejected, "mime not allowed")

	waitUntil(t, "local failure", func() bool { return queueLen(e, testConvKey) == 0 })
	c := getConv(e, testConvKey)
	if got := ft.count(wire.TypeChatSend); got != 0 {
		t.Errorf("chat_send count = %d, want 0 (nothing sendable)", got)
	}
	if c.Error != errTextNothingToSend {
		t.Errorf("conversation error = %q, want %q", c.Error, errTextNothingToSend)
	}
	if c.Messages[0].Status != convo.StatusFailed {
		t.Errorf("user message status = %s, want failed", c.Messages[0].Status)
	}
}

func TestStagedMediaTravelsByReference(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "look", []content.Part{{
		Kind:       content.KindImage,
		MediaID:    "m1",
		MIME:       "image/png",
		Size:       3,
		InlineData: []byte{1, 2, 3},
	}})

	waitUntil(t, "media_stage request", func() bool { return ft.count(wire.TypeMediaStage) == 1 })
	s, _ := ft.last(wire.TypeMediaStage)
	stage := s.Payload.(wire.MediaStage)

	e.staging.Resolve(staging.TupleKey{
		HostID: "h1", Conv: testConvKey, RequestID: stage.RequestID, MediaID: "m1",
	}, "remote-m1")

	waitUntil(t, "chat_send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	cs, _ := ft.last(wire.TypeChatSend)
	req := cs.Payload.(wire.ChatSend)
	part := req.Content[0]
	if part.StageStatus != content.StageStaged || part.StagedMediaID != "remote-m1" {
		t.Errorf("part = %+v, want staged with remote-m1", part)
	}
	if part.InlineData != nil {
		t.Error("staged part still carries its inline payload")
	}
}

func TestChatStartedPromotesRestoredQueueItem(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	// Offline: the item stays queued, dispatch never runs.
	e.EnsureConversation("h1", "t1", false)
	queueItemID, _ := e.Enqueue("h1", "t1", "restored", nil)
	time.Sleep(30 * time.Millisecond)
	if ft.count(wire.TypeChatSend) != 0 {
		t.Fatal("offline conversation dispatched")
	}

	c := getConv(e, testConvKey)
	e.mu.Lock()
	requestID := c.Queue[0].RequestID
	e.mu.Unlock()

	// A started event for a request this engine never sent (another boot
	// dispatched it): the running slot is created defensively.
	e.handleChatStarted("h1", wire.ChatStarted{RequestID: requestID, ToolID: "t1"})

	c = getConv(e, testConvKey)
	if c.Running == nil || c.Running.QueueItemID != queueItemID {
		t.Fatalf("running = %+v, want promoted item %s", c.Running, queueItemID)
	}
	if len(c.Queue) != 0 {
		t.Error("promoted item still queued")
	}
	if msg := c.UserMessageByQueueItem(queueItemID); msg == nil || msg.Status != convo.StatusSent {
		t.Errorf("user message = %+v, want status sent", msg)
	}
	if c.AssistantMessageByRequest(requestID) == nil {
		t.Error("no streaming assistant placeholder")
	}
	checkInvariants(t, e, testConvKey)
}

func TestOutOfOrderChunkCreatesState(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	// Chunk for a conversation and request this engine has never seen.
	e.handleChatChunk("h1", wire.ChatChunk{RequestID: "r-ghost", ToolID: "t1", Text: "early"})

	c := getConv(e, testConvKey)
	if c == nil {
		t.Fatal("conversation not created defensively")
	}
	msg := c.AssistantMessageByRequest("r-ghost")
	if msg == nil || msg.Status != convo.StatusStreaming || msg.Text != "early" {
		t.Errorf("assistant = %+v, want streaming 'early'", msg)
	}
	if c.Running == nil || c.Running.RequestID != "r-ghost" {
		t.Errorf("running = %+v, want defensive slot for r-ghost", c.Running)
	}
}

func TestRemoteBusyMapsToFailed(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "hi", nil)
	waitUntil(t, "send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	s, _ := ft.last(wire.TypeChatSend)
	req := s.Payload.(wire.ChatSend)

	e.handleChatFinished("h1", wire.ChatFinished{RequestID: req.RequestID, ToolID: "t1", Status: "busy"})

	c := getConv(e, testConvKey)
	if c.Messages[0].Status != convo.StatusFailed {
		t.Errorf("user message status = %s, want failed", c.Messages[0].Status)
	}
	if c.Error == "" {
		t.Error("busy finish must surface a conversation error")
	}
	if c.Running != nil {
		t.Error("running slot survived terminal event")
	}
}

func TestDeleteConversationCancelsStaging(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "", []content.Part{{
		Kind: content.KindImage, MediaID: "m1", MIME: "image/png", Size: 3,
	}})
	waitUntil(t, "staging pending", func() bool { return e.staging.Pending() == 1 })

	e.DeleteConversation(testConvKey)

	if e.staging.Pending() != 0 {
		t.Errorf("staging pending = %d, want 0 after delete", e.staging.Pending())
	}
	if getConv(e, testConvKey) != nil {
		t.Error("conversation still present after delete")
	}
	// The aborted dispatch never sends.
	time.Sleep(50 * time.Millisecond)
	if ft.count(wire.TypeChatSend) != 0 {
		t.Error("deleted conversation still dispatched")
	}
}

func TestRetryReenqueuesFailedMessage(t *testing.T) {
	ft := &fakeTransport{ok: false}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "flaky", nil)
	waitUntil(t, "failure", func() bool {
		c := getConv(e, testConvKey)
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(c.Messages) > 0 && c.Messages[0].Status == convo.StatusFailed
	})

	c := getConv(e, testConvKey)
	e.mu.Lock()
	msgID := c.Messages[0].ID
	e.mu.Unlock()

	ft.mu.Lock()
	ft.ok = true
	ft.mu.Unlock()

	if _, err := e.RetryMessage(testConvKey, msgID); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "retry send", func() bool { return ft.count(wire.TypeChatSend) == 2 })
	s, _ := ft.last(wire.TypeChatSend)
	if s.Payload.(wire.ChatSend).Text != "flaky" {
		t.Errorf("retried text = %q, want flaky", s.Payload.(wire.ChatSend).Text)
	}
}

func TestBusRoutingEndToEnd(t *testing.T) {
	ft := &fakeTransport{ok: true}
	b := bus.New()
	e := New(nil, ft, nil, b, Options{
		StagingTimeout: 150 * time.Millisecond,
		PersistQuiet:   10 * time.Millisecond,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "via bus", nil)
	waitUntil(t, "send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	s, _ := ft.last(wire.TypeChatSend)
	req := s.Payload.(wire.ChatSend)

	publish := func(kind string, evt any) {
		b.Publish(bus.Event{Kind: kind, Payload: transport.Inbound{HostID: "h1", Event: evt}})
	}
	publish("transport.chat_started", wire.ChatStarted{RequestID: req.RequestID, ToolID: "t1"})
	publish("transport.chat_chunk", wire.ChatChunk{RequestID: req.RequestID, ToolID: "t1", Text: "pong"})
	publish("transport.chat_finished", wire.ChatFinished{RequestID: req.RequestID, ToolID: "t1", Status: "completed"})

	waitUntil(t, "assistant completed", func() bool {
		c := getConv(e, testConvKey)
		e.mu.Lock()
		defer e.mu.Unlock()
		msg := c.AssistantMessageByRequest(req.RequestID)
		return msg != nil && msg.Status == convo.StatusCompleted && msg.Text == "pong"
	})
}

func publishInbound(b *bus.Bus, kind, hostID string, evt any) {
	b.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   transport.Inbound{HostID: hostID, Event: evt},
	})
}

// A finished event delivered on the bus re-triggers dispatch; the staging
// round-trip that dispatch then starts must still be settled by the host's
// success event, not left to time out (the event loop may not be blocked by
// a staging await).
func TestFinishedViaBusDoesNotStallNextStaging(t *testing.T) {
	ft := &fakeTransport{ok: true}
	b := bus.New()
	e := New(nil, ft, nil, b, Options{
		StagingTimeout: 2 * time.Second,
		PersistQuiet:   10 * time.Millisecond,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)

	e.EnsureConversation("h1", "t1", true)
	_, _ = e.Enqueue("h1", "t1", "first", nil)
	waitUntil(t, "first send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	s, _ := ft.last(wire.TypeChatSend)
	first := s.Payload.(wire.ChatSend)

	_, _ = e.Enqueue("h1", "t1", "", []content.Part{{
		Kind:       content.KindImage,
		MediaID:    "m9",
		MIME:       "image/png",
		Size:       3,
		InlineData: []byte{1, 2, 3},
	}})

	publishInbound(b, "transport."+wire.TypeChatFinished, "h1",
		wire.ChatFinished{RequestID: first.RequestID, ToolID: "t1", Status: "completed"})

	waitUntil(t, "media_stage request", func() bool { return ft.count(wire.TypeMediaStage) == 1 })
	ms, _ := ft.last(wire.TypeMediaStage)
	stage := ms.Payload.(wire.MediaStage)
	publishInbound(b, "transport."+wire.TypeMediaStageFinished, "h1",
		wire.MediaStageFinished{RequestID: stage.RequestID, MediaID: "m9", ToolID: "t1", StagedMediaID: "remote-m9"})

	waitUntil(t, "second send", func() bool { return ft.count(wire.TypeChatSend) == 2 })
	cs, _ := ft.last(wire.TypeChatSend)
	part := cs.Payload.(wire.ChatSend).Content[0]
	if part.StageStatus != content.StageStaged || part.StagedMediaID != "remote-m9" {
		t.Errorf("part = {status: %s, staged: %q}, want the success event applied, not a timeout fallback",
			part.StageStatus, part.StagedMediaID)
	}
}

// A rejected attachment must be user-visible even when the rest of the item
// still sends: conversation error set while staging continues, failed stage
// status mirrored onto the user message's part, the part left out of the
// send.
func TestRejectedAttachmentSurfacesError(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	queueItemID, _ := e.Enqueue("h1", "t1", "see attachments", []content.Part{
		{Kind: content.KindImage, MediaID: "m1", MIME: "image/png", Size: 3, InlineData: []byte{1, 2, 3}},
		{Kind: content.KindImage, MediaID: "m2", MIME: "image/png", Size: 3, InlineData: []byte{4, 5, 6}},
	})

	waitUntil(t, "first stage request", func() bool { return ft.count(wire.TypeMediaStage) == 1 })
	ms, _ := ft.last(wire.TypeMediaStage)
	stage := ms.Payload.(wire.MediaStage)
	e.staging.Fail(staging.TupleKey{
		HostID: "h1", Conv: testConvKey, RequestID: stage.RequestID, MediaID: "m1",
	}, staging.CodeRejected, "mime not allowed")

	// The second part is still staging, so dispatch is suspended; the
	// rejection must already be visible.
	waitUntil(t, "second stage request", func() bool { return ft.count(wire.TypeMediaStage) == 2 })
	e.mu.Lock()
	c := e.convos.Get(testConvKey)
	errText := c.Error
	msg := c.UserMessageByQueueItem(queueItemID)
	m1Status := msg.Content[0].StageStatus
	e.mu.Unlock()
	if !strings.Contains(errText, staging.CodeRejected) {
		t.Errorf("conversation error = %q, want the rejection code surfaced", errText)
	}
	if m1Status != content.StageFailed {
		t.Errorf("user message part m1 stage status = %s, want failed", m1Status)
	}

	e.staging.Resolve(staging.TupleKey{
		HostID: "h1", Conv: testConvKey, RequestID: stage.RequestID, MediaID: "m2",
	}, "remote-m2")

	waitUntil(t, "send", func() bool { return ft.count(wire.TypeChatSend) == 1 })
	cs, _ := ft.last(wire.TypeChatSend)
	req := cs.Payload.(wire.ChatSend)
	if len(req.Content) != 1 || req.Content[0].MediaID != "m2" {
		t.Errorf("sent content = %+v, want only the staged part", req.Content)
	}
	c = getConv(e, testConvKey)
	if c.Error != "" {
		t.Errorf("conversation error = %q, want cleared by the successful send", c.Error)
	}
	if got := c.UserMessageByQueueItem(queueItemID).Content[1]; got.StageStatus != content.StageStaged || got.StagedMediaID != "remote-m2" {
		t.Errorf("user message part m2 = {status: %s, staged: %q}, want the staging outcome mirrored", got.StageStatus, got.StagedMediaID)
	}
}

// A started event for a request that is neither running nor known must not
// mark another request's user message sent.
func TestStrayStartedLeavesOtherMessagesAlone(t *testing.T) {
	ft := &fakeTransport{ok: true}
	e := newTestEngine(t, ft)

	e.EnsureConversation("h1", "t1", true)
	queueItemID, _ := e.Enqueue("h1", "t1", "mine", nil)
	waitUntil(t, "running", func() bool { return running(e, testConvKey) != nil })

	e.handleChatStarted("h1", wire.ChatStarted{RequestID: "r-stray", ToolID: "t1"})

	c := getConv(e, testConvKey)
	if msg := c.UserMessageByQueueItem(queueItemID); msg == nil || msg.Status != convo.StatusSending {
		t.Errorf("user message = %+v, want status sending untouched by the stray event", msg)
	}
	if c.Running == nil || c.Running.RequestID == "r-stray" {
		t.Errorf("running = %+v, want the original request kept", c.Running)
	}
}
