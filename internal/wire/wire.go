// Package wire defines the event envelope exchanged with remote execution
// hosts and the explicitly validated decoders for each inbound payload
// shape. Unknown or malformed payloads are rejected at this boundary and
// never reach the engine untyped.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/hostlink/internal/content"
)

// Inbound event types.
const (
	TypeChatStarted         = "chat_started"
	TypeChatChunk           = "chat_chunk"
	TypeChatFinished        = "chat_finished"
	TypeMediaStageProgress  = "media_stage_progress"
	TypeMediaStageFinished  = "media_stage_finished"
	TypeMediaStageFailed    = "media_stage_failed"
	TypeReportFetchStarted  = "report_fetch_started"
	TypeReportFetchChunk    = "report_fetch_chunk"
	TypeReportFetchFinished = "report_fetch_finished"
)

// Outbound event types.
const (
	TypeChatSend    = "chat_send"
	TypeChatCancel  = "chat_cancel"
	TypeMediaStage  = "media_stage"
	TypeReportFetch = "report_fetch"
)

// ErrUnknownType marks an envelope whose type has no decoder.
var ErrUnknownType = errors.New("unknown event type")

// Envelope is the outer frame of every channel message.
type Envelope struct {
	Type    string            `json:"type"`
	HostID  string            `json:"hostId,omitempty"`
	Payload json.RawMessage   `json:"payload"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// ChatStarted confirms the remote accepted a request.
type ChatStarted struct {
	RequestID   string `json:"requestId"`
	QueueItemID string `json:"queueItemId,omitempty"`
	ToolID      string `json:"toolId"`
}

// ChatChunk carries one streamed piece of assistant reply text.
type ChatChunk struct {
	RequestID string `json:"requestId"`
	ToolID    string `json:"toolId"`
	Text      string `json:"text"`
}

// ChatFinished terminates a request with a remote-reported status.
type ChatFinished struct {
	RequestID string `json:"requestId"`
	ToolID    string `json:"toolId"`
	Status    string `json:"status"` // completed | failed | cancelled | busy
	Error     string `json:"error,omitempty"`
}

// MediaStageProgress reports byte progress of an out-of-band upload.
type MediaStageProgress struct {
	RequestID  string `json:"requestId"`
	MediaID    string `json:"mediaId"`
	ToolID     string `json:"toolId"`
	BytesSent  int64  `json:"bytesSent"`
	BytesTotal int64  `json:"bytesTotal"`
}

// MediaStageFinished settles a staging round-trip with the remote media id.
type MediaStageFinished struct {
	RequestID     string `json:"requestId"`
	MediaID       string `json:"mediaId"`
	ToolID        string `json:"toolId"`
	StagedMediaID string `json:"stagedMediaId"`
}

// MediaStageFailed settles a staging round-trip with a failure code.
type MediaStageFailed struct {
	RequestID string `json:"requestId"`
	MediaID   string `json:"mediaId"`
	ToolID    string `json:"toolId"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
}

// ReportFetchStarted acknowledges a report transfer request.
type ReportFetchStarted struct {
	RequestID  string `json:"requestId"`
	BytesTotal int64  `json:"bytesTotal"`
}

// ReportFetchChunk carries one piece of a chunked report transfer.
type ReportFetchChunk struct {
	RequestID  string `json:"requestId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
	BytesSent  int64  `json:"bytesSent"`
}

// ReportFetchFinished terminates a report transfer.
type ReportFetchFinished struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"` // completed | failed
	Error     string `json:"error,omitempty"`
}

// ChatSend is the outbound request assembled by the dispatch engine.
type ChatSend struct {
	RequestID   string         `json:"requestId"`
	QueueItemID string         `json:"queueItemId"`
	ToolID      string         `json:"toolId"`
	Text        string         `json:"text,omitempty"`
	Content     []content.Part `json:"content,omitempty"`
}

// ChatCancel is the best-effort outbound cancel for a running request.
type ChatCancel struct {
	RequestID string `json:"requestId"`
	ToolID    string `json:"toolId"`
}

// MediaStage asks the host to accept an out-of-band media upload.
type MediaStage struct {
	RequestID string `json:"requestId"`
	MediaID   string `json:"mediaId"`
	ToolID    string `json:"toolId"`
	MIME      string `json:"mime,omitempty"`
	Size      int64  `json:"size,omitempty"`
	PathHint  string `json:"pathHint,omitempty"`
}

// ReportFetch asks the host to stream back a report document.
type ReportFetch struct {
	RequestID string `json:"requestId"`
	ToolID    string `json:"toolId"`
	FilePath  string `json:"filePath"`
}

// Decode validates an inbound envelope and returns its typed payload.
// Every inbound event must carry a request id; envelopes that do not are
// rejected here rather than propagated.
func Decode(env Envelope) (any, error) {
	switch env.Type {
	case TypeChatStarted:
		var evt ChatStarted
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeChatChunk:
		var evt ChatChunk
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeChatFinished:
		var evt ChatFinished
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeMediaStageProgress:
		var evt MediaStageProgress
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeMediaStageFinished:
		var evt MediaStageFinished
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeMediaStageFailed:
		var evt MediaStageFailed
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeReportFetchStarted:
		var evt ReportFetchStarted
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeReportFetchChunk:
		var evt ReportFetchChunk
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	case TypeReportFetchFinished:
		var evt ReportFetchFinished
		return decodeChecked(env, &evt, func() string { return evt.RequestID })
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeChecked[T any](env Envelope, dst *T, requestID func() string) (any, error) {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	if requestID() == "" {
		return nil, fmt.Errorf("decode %s payload: missing requestId", env.Type)
	}
	return *dst, nil
}
