// Package transfer reconstructs chunked report-document fetches arriving
// on the host channel, independently of chat messages.
package transfer

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/transport"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

// ErrTransportUnavailable reports a synchronous local send failure.
var ErrTransportUnavailable = errors.New("host not connected")

// Status is the transfer lifecycle state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusStarted   Status = "started"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transfer tracks one in-flight report fetch. Content accumulates by
// concatenation; the byte counters are informational only.
type Transfer struct {
	RequestID  string
	Conv       convo.Key
	FilePath   string
	Status     Status
	BytesSent  int64
	BytesTotal int64
	ChunkIndex int

	buf strings.Builder
}

// CompletedNotice carries a finished transfer's reconstructed document.
type CompletedNotice struct {
	Conv     convo.Key
	FilePath string
	Content  string
}

// FailedNotice carries a failed transfer's reason.
type FailedNotice struct {
	Conv     convo.Key
	FilePath string
	Reason   string
}

// Manager correlates report fetch events by request id. Records are
// destroyed on reaching a terminal status; there is no automatic retry.
type Manager struct {
	mu     sync.Mutex
	tp     transport.Transport
	logger *zap.Logger
	table  map[string]*Transfer

	// onCompleted receives the reconstructed document; onFailed receives
	// the failure reason. Neither touches conversation state.
	onCompleted func(conv convo.Key, path, content string)
	onFailed    func(conv convo.Key, path, reason string)
}

// NewManager creates a transfer manager delivering results to the given
// consumer callbacks.
func NewManager(tp transport.Transport, logger *zap.Logger,
	onCompleted func(conv convo.Key, path, content string),
	onFailed func(conv convo.Key, path, reason string)) *Manager {
	return &Manager{
		tp:          tp,
		logger:      logger,
		table:       make(map[string]*Transfer),
		onCompleted: onCompleted,
		onFailed:    onFailed,
	}
}

// Request validates the path, then asks the host to stream the report
// back. Returns the correlating request id. Nothing is tracked and nothing
// is sent when validation or the synchronous send fails.
func (m *Manager) Request(conv convo.Key, filePath string) (string, error) {
	if err := ValidatePath(filePath); err != nil {
		return "", err
	}

	requestID := uuid.New().String()
	ok := m.tp.Send(conv.HostID, wire.TypeReportFetch, wire.ReportFetch{
		RequestID: requestID,
		ToolID:    conv.ToolID,
		FilePath:  filePath,
	}, nil)
	if !ok {
		return "", ErrTransportUnavailable
	}

	m.mu.Lock()
	m.table[requestID] = &Transfer{
		RequestID: requestID,
		Conv:      conv,
		FilePath:  filePath,
		Status:    StatusRequested,
	}
	m.mu.Unlock()

	m.logger.Info("report fetch requested",
		zap.String("request_id", requestID), zap.String("path", filePath))
	return requestID, nil
}

// HandleStarted marks the transfer acknowledged. Unknown ids are no-ops.
func (m *Manager) HandleStarted(evt wire.ReportFetchStarted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.table[evt.RequestID]
	if !ok {
		return
	}
	tr.Status = StatusStarted
	tr.BytesTotal = evt.BytesTotal
}

// HandleChunk appends one chunk of report content.
func (m *Manager) HandleChunk(evt wire.ReportFetchChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.table[evt.RequestID]
	if !ok {
		return
	}
	tr.Status = StatusStreaming
	tr.buf.WriteString(evt.Data)
	tr.ChunkIndex = evt.ChunkIndex
	if evt.BytesSent > 0 {
		tr.BytesSent = evt.BytesSent
	} else {
		tr.BytesSent += int64(len(evt.Data))
	}
}

// HandleFinished hands the accumulated content to the consumer (or surfaces
// the failure reason) and destroys the record.
func (m *Manager) HandleFinished(evt wire.ReportFetchFinished) {
	m.mu.Lock()
	tr, ok := m.table[evt.RequestID]
	if ok {
		delete(m.table, evt.RequestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if evt.Status == "completed" {
		m.onCompleted(tr.Conv, tr.FilePath, tr.buf.String())
		return
	}
	reason := evt.Error
	if reason == "" {
		reason = evt.Status
	}
	m.logger.Warn("report fetch failed",
		zap.String("request_id", tr.RequestID),
		zap.String("path", tr.FilePath),
		zap.String("reason", reason))
	m.onFailed(tr.Conv, tr.FilePath, reason)
}

// CancelConversation destroys every transfer scoped to a conversation.
// Called on conversation teardown; no consumer callback fires.
func (m *Manager) CancelConversation(conv convo.Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, tr := range m.table {
		if tr.Conv == conv {
			delete(m.table, id)
			n++
		}
	}
	return n
}

// Active returns the number of in-flight transfers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
