package convo

import (
	"strings"

	"github.com/matheus3301/hostlink/internal/content"
)

// Key is the stable identity of a conversation: one (host, tool) pair.
type Key struct {
	HostID string `json:"hostId"`
	ToolID string `json:"toolId"`
}

func (k Key) String() string {
	return k.HostID + "/" + k.ToolID
}

// ParseKey parses the "hostId/toolId" form produced by Key.String.
func ParseKey(s string) Key {
	host, tool, ok := strings.Cut(s, "/")
	if !ok {
		return Key{ToolID: s}
	}
	return Key{HostID: host, ToolID: tool}
}

// Availability describes whether a conversation's tool can accept work.
type Availability string

const (
	AvailOnline  Availability = "online"
	AvailOffline Availability = "offline"
	AvailInvalid Availability = "invalid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the per-message lifecycle status. It is the durable record of
// what happened to a message, outliving the conversation's transient error.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusSending     Status = "sending"
	StatusSent        Status = "sent"
	StatusStreaming   Status = "streaming"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// Message is one entry of a conversation's message list.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Text        string         `json:"text"`
	Content     []content.Part `json:"content,omitempty"`
	Status      Status         `json:"status"`
	RequestID   string         `json:"requestId,omitempty"`
	QueueItemID string         `json:"queueItemId,omitempty"`
	Timestamp   int64          `json:"ts"`
}

// QueueItem is a not-yet-sent request waiting in a conversation's queue.
// RequestID correlates all asynchronous lifecycle events for the request;
// QueueItemID correlates local bookkeeping. Both are assigned at enqueue.
type QueueItem struct {
	QueueItemID string         `json:"queueItemId"`
	RequestID   string         `json:"requestId"`
	Text        string         `json:"text"`
	Content     []content.Part `json:"content,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

// Conversation holds all local state for one (host, tool) pair.
// Invariant: an item is either queued or running, never both, and at most
// one item is running.
type Conversation struct {
	Key          Key          `json:"key"`
	HostID       string       `json:"hostId"`
	ToolID       string       `json:"toolId"`
	Online       bool         `json:"online"`
	Availability Availability `json:"availability"`
	Messages     []*Message   `json:"messages"`
	Queue        []*QueueItem `json:"queue"`
	Running      *QueueItem   `json:"running,omitempty"`
	Draft        string       `json:"draft,omitempty"`
	Error        string       `json:"error,omitempty"`
	UpdatedAt    int64        `json:"updatedAt"`
}

// MessageByID returns the message with the given local id, or nil.
func (c *Conversation) MessageByID(id string) *Message {
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// UserMessageByQueueItem returns the user message created for a queue item.
func (c *Conversation) UserMessageByQueueItem(queueItemID string) *Message {
	for _, m := range c.Messages {
		if m.Role == RoleUser && m.QueueItemID == queueItemID {
			return m
		}
	}
	return nil
}

// UserMessageByRequest returns the user message correlated with a request
// id, or nil.
func (c *Conversation) UserMessageByRequest(requestID string) *Message {
	for _, m := range c.Messages {
		if m.Role == RoleUser && m.RequestID == requestID {
			return m
		}
	}
	return nil
}

// AssistantMessageByRequest returns the assistant message correlated with a
// request id, or nil.
func (c *Conversation) AssistantMessageByRequest(requestID string) *Message {
	for _, m := range c.Messages {
		if m.Role == RoleAssistant && m.RequestID == requestID {
			return m
		}
	}
	return nil
}

// QueueItemByRequest returns the queued item with the given request id and
// its position, or (nil, -1).
func (c *Conversation) QueueItemByRequest(requestID string) (*QueueItem, int) {
	for i, item := range c.Queue {
		if item.RequestID == requestID {
			return item, i
		}
	}
	return nil, -1
}

// QueueItemByID returns the queued item with the given local id and its
// position, or (nil, -1).
func (c *Conversation) QueueItemByID(queueItemID string) (*QueueItem, int) {
	for i, item := range c.Queue {
		if item.QueueItemID == queueItemID {
			return item, i
		}
	}
	return nil, -1
}

// RemoveQueueItem removes the item at position i, preserving order.
func (c *Conversation) RemoveQueueItem(i int) {
	if i < 0 || i >= len(c.Queue) {
		return
	}
	c.Queue = append(c.Queue[:i], c.Queue[i+1:]...)
}

// Dispatchable reports whether the conversation is eligible for a dispatch
// attempt: online, valid, nothing running and work queued.
func (c *Conversation) Dispatchable() bool {
	return c.Online && c.Availability != AvailInvalid && c.Running == nil && len(c.Queue) > 0
}
