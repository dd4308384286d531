package engine

import (
	"time"

	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

// findForRequest correlates an event to its conversation by request id,
// falling back to the (host, tool) key. With a restored queue after
// restart the request id may be unknown locally, so the key fallback
// creates the conversation defensively.
func (e *Engine) findForRequest(hostID, toolID, requestID string) *convo.Conversation {
	if c := e.convos.FindByRequest(requestID); c != nil {
		return c
	}
	if toolID == "" {
		return nil
	}
	return e.convos.Ensure(hostID, toolID)
}

// ensureRunningLocked confirms the running slot for an acknowledged
// request, creating it defensively when dispatch was bypassed (restored
// queue, out-of-order delivery).
func (e *Engine) ensureRunningLocked(c *convo.Conversation, requestID, queueItemID string) {
	if c.Running != nil && c.Running.RequestID == requestID {
		return
	}
	if c.Running != nil {
		// A foreign request is already running; leave the slot alone.
		return
	}
	// Promote the matching queued item, correlating by request id and
	// falling back to queue item id.
	item, i := c.QueueItemByRequest(requestID)
	if item == nil && queueItemID != "" {
		item, i = c.QueueItemByID(queueItemID)
	}
	if item != nil {
		c.RemoveQueueItem(i)
		c.Running = item
		return
	}
	c.Running = &convo.QueueItem{
		QueueItemID: queueItemID,
		RequestID:   requestID,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

// ensureAssistantLocked returns the streaming assistant placeholder for a
// request, creating it when chunks arrive out of order.
func (e *Engine) ensureAssistantLocked(c *convo.Conversation, requestID string) *convo.Message {
	if msg := c.AssistantMessageByRequest(requestID); msg != nil {
		return msg
	}
	msg := &convo.Message{
		ID:        newMessageID(),
		Role:      convo.RoleAssistant,
		Status:    convo.StatusStreaming,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
	c.Messages = append(c.Messages, msg)
	return msg
}

func (e *Engine) handleChatStarted(hostID string, evt wire.ChatStarted) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.findForRequest(hostID, evt.ToolID, evt.RequestID)
	if c == nil {
		return
	}
	e.ensureRunningLocked(c, evt.RequestID, evt.QueueItemID)

	// Correlate by the event's own ids: the running slot may belong to a
	// different request when a stray started arrives.
	msg := c.UserMessageByRequest(evt.RequestID)
	if msg == nil && evt.QueueItemID != "" {
		msg = c.UserMessageByQueueItem(evt.QueueItemID)
	}
	if msg != nil {
		msg.Status = convo.StatusSent
	}
	e.ensureAssistantLocked(c, evt.RequestID)
	e.touchLocked(c)
}

func (e *Engine) handleChatChunk(hostID string, evt wire.ChatChunk) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.findForRequest(hostID, evt.ToolID, evt.RequestID)
	if c == nil {
		return
	}
	e.ensureRunningLocked(c, evt.RequestID, "")

	msg := e.ensureAssistantLocked(c, evt.RequestID)
	msg.Text += evt.Text
	msg.Status = convo.StatusStreaming
	e.touchLocked(c)
}

func (e *Engine) handleChatFinished(hostID string, evt wire.ChatFinished) {
	e.mu.Lock()

	c := e.findForRequest(hostID, evt.ToolID, evt.RequestID)
	if c == nil {
		e.mu.Unlock()
		return
	}

	assistant := e.ensureAssistantLocked(c, evt.RequestID)
	assistant.Status = assistantTerminalStatus(evt.Status)
	if assistant.Text == "" && evt.Error != "" {
		assistant.Text = evt.Error
	}

	var queueItemID string
	if c.Running != nil && c.Running.RequestID == evt.RequestID {
		queueItemID = c.Running.QueueItemID
		c.Running = nil
	}
	if queueItemID == "" {
		if m := c.UserMessageByRequest(evt.RequestID); m != nil {
			queueItemID = m.QueueItemID
		}
	}
	if msg := c.UserMessageByQueueItem(queueItemID); msg != nil {
		msg.Status = userTerminalStatus(evt.Status)
	}

	if evt.Status == "completed" {
		c.Error = ""
	} else {
		c.Error = remoteErrorText(evt)
	}

	key := c.Key
	e.touchLocked(c)
	e.mu.Unlock()

	e.logger.Info("request finished",
		zap.String("conversation", key.String()),
		zap.String("request_id", evt.RequestID),
		zap.String("status", evt.Status))

	// The primary re-entry point that keeps the queue moving. Dispatch must
	// not run on the event-loop goroutine: staging awaits inside it would
	// block the only consumer of the settlement events.
	go e.MaybeDispatchNext(key)
}

func (e *Engine) handleStageProgress(hostID string, evt wire.MediaStageProgress) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convos.Get(convo.Key{HostID: hostID, ToolID: evt.ToolID})
	if c == nil || len(c.Queue) == 0 {
		return
	}
	item := c.Queue[0]
	if item.RequestID != evt.RequestID || evt.BytesTotal <= 0 {
		return
	}
	for i := range item.Content {
		if item.Content[i].MediaID == evt.MediaID {
			item.Content[i].StageProgress = float64(evt.BytesSent) / float64(evt.BytesTotal)
			e.touchLocked(c)
			return
		}
	}
}

// HostOnline flips every conversation of the host online and re-triggers
// dispatch for each.
func (e *Engine) HostOnline(hostID string) {
	e.mu.Lock()
	var keys []convo.Key
	for _, c := range e.convos.ByHost(hostID) {
		c.Online = true
		if c.Availability != convo.AvailInvalid {
			c.Availability = convo.AvailOnline
		}
		keys = append(keys, c.Key)
		e.touchLocked(c)
	}
	e.mu.Unlock()

	for _, key := range keys {
		go e.MaybeDispatchNext(key)
	}
}

// HostOffline marks the host's conversations offline. A running item is
// demoted back to queue position 0 with its original content, and any
// message still mid-flight is finalized interrupted.
func (e *Engine) HostOffline(hostID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range e.convos.ByHost(hostID) {
		c.Online = false
		if c.Availability != convo.AvailInvalid {
			c.Availability = convo.AvailOffline
		}
		if c.Running != nil {
			c.Queue = append([]*convo.QueueItem{c.Running}, c.Queue...)
			c.Running = nil
		}
		finalizeInFlightMessages(c)
		e.touchLocked(c)
	}
}

// MarkToolInvalid records that the host no longer exposes this tool.
// Invalid conversations never dispatch.
func (e *Engine) MarkToolInvalid(key convo.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.convos.Get(key)
	if c == nil {
		return
	}
	c.Availability = convo.AvailInvalid
	e.touchLocked(c)
}

func assistantTerminalStatus(remote string) convo.Status {
	switch remote {
	case "failed", "busy":
		return convo.StatusFailed
	case "cancelled":
		return convo.StatusCancelled
	default:
		return convo.StatusCompleted
	}
}

func userTerminalStatus(remote string) convo.Status {
	switch remote {
	case "busy", "failed":
		return convo.StatusFailed
	case "cancelled":
		return convo.StatusCancelled
	default:
		return convo.StatusCompleted
	}
}

func remoteErrorText(evt wire.ChatFinished) string {
	if evt.Error != "" {
		return evt.Error
	}
	switch evt.Status {
	case "busy":
		return "the tool is busy with another request"
	case "cancelled":
		return "the request was cancelled"
	default:
		return "the request failed on the host"
	}
}
