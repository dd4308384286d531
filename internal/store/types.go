package store

import (
	"github.com/matheus3301/hostlink/internal/convo"
)

// SchemaVersion of the persisted snapshot index.
const SchemaVersion = 2

// Index is the durable snapshot of the whole conversation store. Transient
// media fields (raw payload, preview handle, staging progress) are stripped
// before the index is built and never reach this struct's JSON.
type Index struct {
	SchemaVersion         int                              `json:"schemaVersion"`
	ActiveConversationKey string                           `json:"activeConversationKey,omitempty"`
	ConversationOrder     []string                         `json:"conversationOrder"`
	ConversationsByKey    map[string]*ConversationSnapshot `json:"conversationsByKey"`
}

// ConversationSnapshot is one conversation's persisted form. There is no
// running slot: an item in flight at snapshot time is persisted back at
// queue position 0, so a restored queue replays it.
type ConversationSnapshot struct {
	HostID       string             `json:"hostId"`
	ToolID       string             `json:"toolId"`
	Availability string             `json:"availability"`
	UpdatedAt    int64              `json:"updatedAt"`
	Messages     []*convo.Message   `json:"messages"`
	Queue        []*convo.QueueItem `json:"queue"`
	Draft        string             `json:"draft,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// LogEvent is one entry of a conversation's append-only durable log.
type LogEvent struct {
	Kind     string                `json:"kind"`
	At       int64                 `json:"at"`
	Snapshot *ConversationSnapshot `json:"snapshot,omitempty"`
}

// Log event kinds.
const (
	LogKindSnapshot = "snapshot"
	LogKindDeleted  = "deleted"
)
