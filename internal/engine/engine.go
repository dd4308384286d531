// Package engine is the per-conversation dispatch and streaming
// reconstruction core. It owns the conversation store and the staging
// table, serializes every mutation behind one mutex, and re-validates
// state after each suspension point, so logically concurrent triggers
// (bus events, user actions, timers) cannot corrupt the invariants:
// an item is queued or running, never both, and at most one item runs
// per conversation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/hostlink/internal/bus"
	"github.com/matheus3301/hostlink/internal/content"
	"github.com/matheus3301/hostlink/internal/convo"
	"github.com/matheus3301/hostlink/internal/persist"
	"github.com/matheus3301/hostlink/internal/staging"
	"github.com/matheus3301/hostlink/internal/store"
	"github.com/matheus3301/hostlink/internal/transfer"
	"github.com/matheus3301/hostlink/internal/transport"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

// Options tunes an engine instance.
type Options struct {
	StagingTimeout time.Duration
	PersistQuiet   time.Duration
	// Policy classifies staging failure codes. Nil means DefaultPolicy.
	Policy staging.FallbackPolicy
}

// Engine coordinates dispatch, streaming reconstruction and persistence
// for every conversation of this device.
type Engine struct {
	mu          sync.Mutex
	convos      *convo.Store
	dispatching map[convo.Key]bool

	staging   *staging.Correlator
	transfers *transfer.Manager
	tp        transport.Transport
	db        *store.DB
	bus       *bus.Bus
	deb       *persist.Debouncer
	policy    staging.FallbackPolicy
	logger    *zap.Logger
	cancel    context.CancelFunc
}

// New creates an engine. transfers may be nil when report fetches are not
// wired (tests); db may be nil for a purely in-memory engine.
func New(db *store.DB, tp transport.Transport, transfers *transfer.Manager, b *bus.Bus, opts Options, logger *zap.Logger) *Engine {
	if opts.StagingTimeout <= 0 {
		opts.StagingTimeout = 30 * time.Second
	}
	if opts.PersistQuiet <= 0 {
		opts.PersistQuiet = 260 * time.Millisecond
	}
	policy := opts.Policy
	if policy == nil {
		policy = staging.DefaultPolicy()
	}

	e := &Engine{
		convos:      convo.NewStore(),
		dispatching: make(map[convo.Key]bool),
		staging:     staging.NewCorrelator(opts.StagingTimeout, logger),
		transfers:   transfers,
		tp:          tp,
		db:          db,
		bus:         b,
		policy:      policy,
		logger:      logger,
	}
	e.deb = persist.New(opts.PersistQuiet, e.flushConversation, e.persistIndex, logger)
	return e
}

// Start restores durable state and subscribes to inbound transport events.
// The bootstrap load is the only blocking read; everything afterwards is
// fire-and-forget.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.bootstrap(); err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("transport.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleBusEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels the event loop and flushes pending snapshots.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.deb.Close()
}

func (e *Engine) handleBusEvent(evt bus.Event) {
	in, ok := evt.Payload.(transport.Inbound)
	if !ok {
		return
	}

	switch evt.Kind {
	case transport.KindHostOnline:
		e.HostOnline(in.HostID)
		return
	case transport.KindHostOffline:
		e.HostOffline(in.HostID)
		return
	}

	switch wevt := in.Event.(type) {
	case wire.ChatStarted:
		e.handleChatStarted(in.HostID, wevt)
	case wire.ChatChunk:
		e.handleChatChunk(in.HostID, wevt)
	case wire.ChatFinished:
		e.handleChatFinished(in.HostID, wevt)
	case wire.MediaStageProgress:
		e.handleStageProgress(in.HostID, wevt)
	case wire.MediaStageFinished:
		e.staging.Resolve(staging.TupleKey{
			HostID:    in.HostID,
			Conv:      convo.Key{HostID: in.HostID, ToolID: wevt.ToolID},
			RequestID: wevt.RequestID,
			MediaID:   wevt.MediaID,
		}, wevt.StagedMediaID)
	case wire.MediaStageFailed:
		e.staging.Fail(staging.TupleKey{
			HostID:    in.HostID,
			Conv:      convo.Key{HostID: in.HostID, ToolID: wevt.ToolID},
			RequestID: wevt.RequestID,
			MediaID:   wevt.MediaID,
		}, wevt.Code, wevt.Message)
	case wire.ReportFetchStarted:
		if e.transfers != nil {
			e.transfers.HandleStarted(wevt)
		}
	case wire.ReportFetchChunk:
		if e.transfers != nil {
			e.transfers.HandleChunk(wevt)
		}
	case wire.ReportFetchFinished:
		if e.transfers != nil {
			e.transfers.HandleFinished(wevt)
		}
	}
}

// bootstrap restores the conversation store from the durable index.
// Restart looks exactly like an offline transition: restored queues keep
// their items, and any message caught mid-flight is finalized interrupted.
func (e *Engine) bootstrap() error {
	if e.db == nil {
		return nil
	}
	idx, err := e.db.LoadIndex()
	if err != nil {
		return err
	}
	if idx == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, keyStr := range idx.ConversationOrder {
		snap, ok := idx.ConversationsByKey[keyStr]
		if !ok {
			continue
		}
		key := convo.ParseKey(keyStr)
		c := &convo.Conversation{
			Key:          key,
			HostID:       snap.HostID,
			ToolID:       snap.ToolID,
			Online:       false,
			Availability: convo.AvailOffline,
			Messages:     snap.Messages,
			Queue:        snap.Queue,
			Draft:        snap.Draft,
			Error:        snap.Error,
			UpdatedAt:    snap.UpdatedAt,
		}
		if snap.Availability == string(convo.AvailInvalid) {
			c.Availability = convo.AvailInvalid
		}
		finalizeInFlightMessages(c)
		e.convos.Restore(c)
	}
	if idx.ActiveConversationKey != "" {
		e.convos.SetActive(convo.ParseKey(idx.ActiveConversationKey))
	}

	e.logger.Info("conversation store restored",
		zap.Int("conversations", e.convos.Len()),
		zap.Int("schema_version", idx.SchemaVersion))
	return nil
}

// Snapshot returns the current store state in persisted form. Consumers
// pull this on every convo.changed notification.
func (e *Engine) Snapshot() *store.Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buildIndexLocked()
}

// touchLocked stamps the conversation, schedules a snapshot write and
// notifies consumers. Callers hold e.mu.
func (e *Engine) touchLocked(c *convo.Conversation) {
	c.UpdatedAt = time.Now().UnixMilli()
	if e.deb != nil {
		e.deb.Touch(c.Key)
	}
	e.bus.Publish(bus.Event{
		Kind:      "convo.changed",
		Timestamp: time.Now(),
		Payload:   c.Key,
	})
}

// flushConversation appends the conversation's current snapshot to its
// durable log. Persistence failures are logged and never block in-memory
// progress.
func (e *Engine) flushConversation(key convo.Key) {
	if e.db == nil {
		return
	}
	e.mu.Lock()
	c := e.convos.Get(key)
	if c == nil {
		e.mu.Unlock()
		return
	}
	snap := snapshotLocked(c)
	e.mu.Unlock()

	err := e.db.AppendEvents(key.String(), []store.LogEvent{{
		Kind:     store.LogKindSnapshot,
		At:       time.Now().UnixMilli(),
		Snapshot: snap,
	}})
	if err != nil {
		e.logger.Error("snapshot append failed", zap.Error(err), zap.String("conversation", key.String()))
	}
}

// persistIndex rewrites the snapshot index. Runs single-flight under the
// debouncer.
func (e *Engine) persistIndex() {
	if e.db == nil {
		return
	}
	e.mu.Lock()
	idx := e.buildIndexLocked()
	e.mu.Unlock()

	if err := e.db.UpsertIndex(idx); err != nil {
		e.logger.Error("index upsert failed", zap.Error(err))
	}
}

func (e *Engine) buildIndexLocked() *store.Index {
	idx := &store.Index{
		SchemaVersion:      store.SchemaVersion,
		ConversationsByKey: make(map[string]*store.ConversationSnapshot),
	}
	if active := e.convos.Active(); active != (convo.Key{}) {
		idx.ActiveConversationKey = active.String()
	}
	for _, key := range e.convos.Order() {
		c := e.convos.Get(key)
		if c == nil {
			continue
		}
		idx.ConversationOrder = append(idx.ConversationOrder, key.String())
		idx.ConversationsByKey[key.String()] = snapshotLocked(c)
	}
	return idx
}

// snapshotLocked builds a conversation's persisted form: the running item,
// if any, goes back to queue position 0 so a restored queue replays it,
// and transient media fields are stripped.
func snapshotLocked(c *convo.Conversation) *store.ConversationSnapshot {
	queue := make([]*convo.QueueItem, 0, len(c.Queue)+1)
	if c.Running != nil {
		queue = append(queue, persistedQueueItem(c.Running))
	}
	for _, item := range c.Queue {
		queue = append(queue, persistedQueueItem(item))
	}

	messages := make([]*convo.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		mc := *m
		mc.Content = content.StripTransient(content.Clone(m.Content))
		messages = append(messages, &mc)
	}

	return &store.ConversationSnapshot{
		HostID:       c.HostID,
		ToolID:       c.ToolID,
		Availability: string(c.Availability),
		UpdatedAt:    c.UpdatedAt,
		Messages:     messages,
		Queue:        queue,
		Draft:        c.Draft,
		Error:        c.Error,
	}
}

func persistedQueueItem(item *convo.QueueItem) *convo.QueueItem {
	ic := *item
	ic.Content = content.StripTransient(content.Clone(item.Content))
	return &ic
}

// finalizeInFlightMessages marks restored streaming/sending messages
// interrupted, synthesizing explanatory text when they carried none.
func finalizeInFlightMessages(c *convo.Conversation) {
	for _, m := range c.Messages {
		if m.Status == convo.StatusStreaming || m.Status == convo.StatusSending {
			m.Status = convo.StatusInterrupted
			if m.Text == "" {
				m.Text = interruptedText
			}
		}
	}
}

func newMessageID() string {
	return uuid.New().String()
}

func (e *Engine) notifyDeleted(key convo.Key) {
	e.bus.Publish(bus.Event{
		Kind:      "convo.deleted",
		Timestamp: time.Now(),
		Payload:   key,
	})
}
