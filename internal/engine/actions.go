package engine

import (
	"github.com/matheus3301/hostlink/internal/content"
	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/store"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

// EnsureConversation creates (or returns) the conversation for an online
// chat-capable tool discovered on a host.
func (e *Engine) EnsureConversation(hostID, toolID string, online bool) convo.Key {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convos.Ensure(hostID, toolID)
	if online {
		c.Online = true
		if c.Availability != convo.AvailInvalid {
			c.Availability = convo.AvailOnline
		}
	}
	e.touchLocked(c)
	return c.Key
}

// SetDraft updates the conversation's draft text. Drafts are part of the
// persisted snapshot.
func (e *Engine) SetDraft(key convo.Key, draft string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.convos.Get(key)
	if c == nil || c.Draft == draft {
		return
	}
	c.Draft = draft
	e.touchLocked(c)
}

// SetActive records which conversation the UI is focused on.
func (e *Engine) SetActive(key convo.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.convos.SetActive(key)
	if e.deb != nil {
		e.deb.RequestIndexUpsert()
	}
}

// RetryMessage re-enqueues a failed user message's content as a fresh
// queue item. Retry is always user-initiated; the engine never retries on
// its own.
func (e *Engine) RetryMessage(key convo.Key, messageID string) (string, error) {
	e.mu.Lock()
	c := e.convos.Get(key)
	if c == nil {
		e.mu.Unlock()
		return "", ErrEmptyMessage
	}
	msg := c.MessageByID(messageID)
	if msg == nil || msg.Role != convo.RoleUser || msg.Status != convo.StatusFailed {
		e.mu.Unlock()
		return "", ErrEmptyMessage
	}
	text := msg.Text
	parts := content.Clone(msg.Content)
	// Staging state from the failed attempt does not carry over.
	for i := range parts {
		if parts[i].IsMedia() {
			parts[i].StageStatus = ""
			parts[i].StagedMediaID = ""
			parts[i].StageProgress = 0
		}
	}
	hostID, toolID := c.HostID, c.ToolID
	e.mu.Unlock()

	return e.Enqueue(hostID, toolID, text, parts)
}

// CancelRunning sends a best-effort cancel for the conversation's in-flight
// request. Local state leaves the running slot only on a terminal event or
// a detected offline transition.
func (e *Engine) CancelRunning(key convo.Key) bool {
	e.mu.Lock()
	c := e.convos.Get(key)
	if c == nil || c.Running == nil {
		e.mu.Unlock()
		return false
	}
	req := wire.ChatCancel{RequestID: c.Running.RequestID, ToolID: key.ToolID}
	hostID := c.HostID
	e.mu.Unlock()

	return e.tp.Send(hostID, wire.TypeChatCancel, req, nil)
}

// DeleteConversation removes a conversation entirely: pending staging
// futures and in-flight transfers scoped to it are cancelled, and its
// durable rows are deleted fire-and-forget.
func (e *Engine) DeleteConversation(key convo.Key) {
	e.mu.Lock()
	c := e.convos.Get(key)
	if c == nil {
		e.mu.Unlock()
		return
	}
	e.convos.Delete(key)
	e.mu.Unlock()

	cancelled := e.staging.CancelConversation(key)
	if e.transfers != nil {
		e.transfers.CancelConversation(key)
	}
	e.logger.Info("conversation deleted",
		zap.String("conversation", key.String()),
		zap.Int("staging_cancelled", cancelled))

	if e.db != nil {
		go func() {
			if err := e.db.DeleteConversation(key.String()); err != nil {
				e.logger.Error("delete conversation rows failed", zap.Error(err))
			}
		}()
	}
	if e.deb != nil {
		e.deb.RequestIndexUpsert()
	}
	e.notifyDeleted(key)
}

// History reads back up to limit snapshot events from the conversation's
// durable log, oldest first. This is the one read beyond bootstrap; it never
// touches in-memory state.
func (e *Engine) History(key convo.Key, limit int) ([]store.LogEvent, error) {
	if e.db == nil {
		return nil, nil
	}
	return e.db.LoadConversationLog(key.String(), limit)
}

// FetchReport asks the host to stream back a report document. Transfer
// failures surface only through the transfer consumer and never touch
// conversation state.
func (e *Engine) FetchReport(key convo.Key, path string) (string, error) {
	if e.transfers == nil {
		return "", errTransfersUnavailable
	}
	return e.transfers.Request(key, path)
}
