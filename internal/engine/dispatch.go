package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/hostlink/internal/content"
	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/staging"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

// ErrEmptyMessage rejects an enqueue with nothing to send.
var ErrEmptyMessage = errors.New("empty message")

var errTransfersUnavailable = errors.New("report transfers not configured")

// User-visible conversation error strings.
const (
	errTextTransport     = "message not sent: host unreachable"
	errTextNothingToSend = "message not sent: no sendable content remained after staging"
	interruptedText      = "(interrupted: connection to host was lost)"
)

// Enqueue normalizes and queues a user message, then triggers dispatch.
// Returns the new queue item id.
func (e *Engine) Enqueue(hostID, toolID, text string, parts []content.Part) (string, error) {
	parts = content.Normalize(parts)
	if text == "" && len(parts) == 0 {
		return "", ErrEmptyMessage
	}

	now := time.Now().UnixMilli()
	item := &convo.QueueItem{
		QueueItemID: uuid.New().String(),
		RequestID:   uuid.New().String(),
		Text:        text,
		Content:     parts,
		CreatedAt:   now,
	}

	e.mu.Lock()
	c := e.convos.Ensure(hostID, toolID)
	c.Queue = append(c.Queue, item)
	c.Messages = append(c.Messages, &convo.Message{
		ID:          newMessageID(),
		Role:        convo.RoleUser,
		Text:        text,
		Content:     content.Clone(parts),
		Status:      convo.StatusQueued,
		RequestID:   item.RequestID,
		QueueItemID: item.QueueItemID,
		Timestamp:   now,
	})
	key := c.Key
	e.touchLocked(c)
	e.mu.Unlock()

	go e.MaybeDispatchNext(key)
	return item.QueueItemID, nil
}

// MaybeDispatchNext drains the conversation's queue head when idle. It is
// a no-op unless the conversation is online, not invalid, has no running
// item and a non-empty queue. Concurrent triggers for the same key collapse
// into one attempt: callers arriving while the dispatch lock is held are
// dropped, not queued — every terminal event re-triggers dispatch, so
// nothing is lost.
func (e *Engine) MaybeDispatchNext(key convo.Key) {
	for {
		e.mu.Lock()
		c := e.convos.Get(key)
		if c == nil || !c.Dispatchable() || e.dispatching[key] {
			e.mu.Unlock()
			return
		}
		e.dispatching[key] = true
		e.mu.Unlock()

		again := e.dispatchHead(key)

		e.mu.Lock()
		delete(e.dispatching, key)
		e.mu.Unlock()

		if !again {
			return
		}
	}
}

// dispatchHead stages the head item's media, then sends the assembled
// request. Returns true when the head failed locally and the next item
// should be attempted immediately.
func (e *Engine) dispatchHead(key convo.Key) bool {
	e.mu.Lock()
	c := e.convos.Get(key)
	if c == nil || !c.Dispatchable() {
		e.mu.Unlock()
		return false
	}
	item := c.Queue[0]
	hostID := c.HostID
	var pending []int
	for i, p := range item.Content {
		if p.IsMedia() && p.StageStatus != content.StageStaged && p.StageStatus != content.StageFallbackInline {
			pending = append(pending, i)
		}
	}
	e.mu.Unlock()

	for _, i := range pending {
		if !e.stagePart(key, hostID, item, i) {
			return false
		}
	}

	return e.sendHead(key, item)
}

// stagePart runs one staging round-trip for item.Content[i], updating the
// part's visible state before and after the suspension. Returns false when
// the dispatch attempt must be abandoned (conversation gone, head changed,
// host offline).
func (e *Engine) stagePart(key convo.Key, hostID string, item *convo.QueueItem, i int) bool {
	e.mu.Lock()
	c := e.convos.Get(key)
	if c == nil || !headIs(c, item) || !c.Online {
		e.mu.Unlock()
		return false
	}
	part := &item.Content[i]
	part.StageStatus = content.StageStaging
	tk := staging.TupleKey{
		HostID:    hostID,
		Conv:      key,
		RequestID: item.RequestID,
		MediaID:   part.MediaID,
	}
	ch := e.staging.Register(tk)
	req := wire.MediaStage{
		RequestID: item.RequestID,
		MediaID:   part.MediaID,
		ToolID:    key.ToolID,
		MIME:      part.MIME,
		Size:      part.Size,
		PathHint:  part.PathHint,
	}
	e.touchLocked(c)
	e.mu.Unlock()

	if !e.tp.Send(hostID, wire.TypeMediaStage, req, nil) {
		// Synchronous local failure settles the future immediately rather
		// than waiting out the timeout.
		e.staging.Fail(tk, staging.CodeTransport, "host not connected")
	}

	res := <-ch // suspension point

	e.mu.Lock()
	defer e.mu.Unlock()
	c = e.convos.Get(key)
	if c == nil || !headIs(c, item) {
		// Conversation deleted or demoted while we were suspended.
		return false
	}
	part = &item.Content[i]
	if res.Err == nil {
		part.StageStatus = content.StageStaged
		part.StagedMediaID = res.StagedMediaID
	} else {
		code := staging.Code(res.Err)
		if e.policy.AllowsInline(code) && len(part.InlineData) > 0 {
			part.StageStatus = content.StageFallbackInline
			e.logger.Info("attachment falling back to inline transmission",
				zap.String("media_id", part.MediaID), zap.String("code", code))
		} else {
			part.StageStatus = content.StageFailed
			c.Error = "attachment could not be staged (" + code + ")"
			e.logger.Warn("attachment staging failed",
				zap.String("media_id", part.MediaID), zap.String("code", code))
		}
	}
	mirrorPartLocked(c, item, *part)
	e.touchLocked(c)
	return true
}

// mirrorPartLocked copies a queue item part's staging outcome onto the
// matching part of the user message, which holds its own clone of the
// content.
func mirrorPartLocked(c *convo.Conversation, item *convo.QueueItem, p content.Part) {
	msg := c.UserMessageByQueueItem(item.QueueItemID)
	if msg == nil {
		return
	}
	for i := range msg.Content {
		if msg.Content[i].MediaID == p.MediaID {
			msg.Content[i].StageStatus = p.StageStatus
			msg.Content[i].StagedMediaID = p.StagedMediaID
			msg.Content[i].StageProgress = p.StageProgress
			return
		}
	}
}

// sendHead assembles and sends the head item, or fails it locally when
// nothing sendable remains. Returns true when dispatch should immediately
// try the next queued item.
func (e *Engine) sendHead(key convo.Key, item *convo.QueueItem) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convos.Get(key)
	if c == nil || !headIs(c, item) || !c.Online || c.Running != nil {
		return false
	}

	sendable := assembleContent(item)
	if item.Text == "" && len(sendable) == 0 {
		// Nothing sendable: fail locally, never contact the transport.
		c.RemoveQueueItem(0)
		e.failUserMessageLocked(c, item, errTextNothingToSend)
		e.touchLocked(c)
		return true
	}

	req := wire.ChatSend{
		RequestID:   item.RequestID,
		QueueItemID: item.QueueItemID,
		ToolID:      key.ToolID,
		Text:        item.Text,
		Content:     sendable,
	}
	if !e.tp.Send(c.HostID, wire.TypeChatSend, req, map[string]string{"requestId": item.RequestID}) {
		c.RemoveQueueItem(0)
		e.failUserMessageLocked(c, item, errTextTransport)
		e.touchLocked(c)
		e.logger.Warn("send failed: host not connected",
			zap.String("conversation", key.String()), zap.String("request_id", item.RequestID))
		return false
	}

	// Sent: head moves from queue into the running slot.
	c.RemoveQueueItem(0)
	c.Running = item
	if msg := c.UserMessageByQueueItem(item.QueueItemID); msg != nil {
		msg.Status = convo.StatusSending
	}
	c.Error = ""
	e.touchLocked(c)
	e.logger.Info("request dispatched",
		zap.String("conversation", key.String()), zap.String("request_id", item.RequestID))
	return false
}

func (e *Engine) failUserMessageLocked(c *convo.Conversation, item *convo.QueueItem, errText string) {
	if msg := c.UserMessageByQueueItem(item.QueueItemID); msg != nil {
		msg.Status = convo.StatusFailed
	}
	c.Error = errText
}

func headIs(c *convo.Conversation, item *convo.QueueItem) bool {
	return len(c.Queue) > 0 && c.Queue[0].QueueItemID == item.QueueItemID
}

// assembleContent keeps only parts that can travel: staged media,
// inline-fallback media with its raw payload, and file references. Failed
// media is left behind.
func assembleContent(item *convo.QueueItem) []content.Part {
	var out []content.Part
	for _, p := range item.Content {
		switch {
		case p.Kind == content.KindText:
			out = append(out, p)
		case p.Kind == content.KindFileRef:
			out = append(out, p)
		case p.IsMedia() && p.StageStatus == content.StageStaged:
			out = append(out, content.StripTransient([]content.Part{p})[0])
		case p.IsMedia() && p.StageStatus == content.StageFallbackInline && len(p.InlineData) > 0:
			out = append(out, p)
		}
	}
	return out
}
