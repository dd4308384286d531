package staging

import (
	"sync"
	"time"

	"github.com/matheus3301/hostlink/internal/convo"
	"go.uber.org/zap"
)

// TupleKey identifies one in-flight staging round-trip. Exactly one live
// registration may exist per tuple.
type TupleKey struct {
	HostID    string
	Conv      convo.Key
	RequestID string
	MediaID   string
}

// Result settles a staging future: either a staged media id or an error.
type Result struct {
	StagedMediaID string
	Err           error
}

type pending struct {
	ch    chan Result
	timer *time.Timer
}

// Correlator maps in-flight staging requests to futures settled by later
// asynchronous events. Every settlement path removes the timer and the
// entry together, so a future can never settle twice.
type Correlator struct {
	mu      sync.Mutex
	timeout time.Duration
	table   map[TupleKey]*pending
	logger  *zap.Logger
}

// NewCorrelator creates a correlator with the given staging timeout.
func NewCorrelator(timeout time.Duration, logger *zap.Logger) *Correlator {
	return &Correlator{
		timeout: timeout,
		table:   make(map[TupleKey]*pending),
		logger:  logger,
	}
}

// Register creates the future for key and returns its settlement channel.
// A second registration for the same tuple first rejects the existing
// future as superseded. The returned channel receives exactly one Result:
// on a matching success event, a matching failure event, timeout, explicit
// failure, or conversation teardown.
func (c *Correlator) Register(key TupleKey) <-chan Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.table[key]; ok {
		c.logger.Warn("staging request superseded",
			zap.String("request_id", key.RequestID),
			zap.String("media_id", key.MediaID))
		c.settleLocked(key, old, Result{Err: &Error{Code: CodeSuperseded}})
	}

	p := &pending{ch: make(chan Result, 1)}
	p.timer = time.AfterFunc(c.timeout, func() {
		c.settle(key, Result{Err: &Error{Code: CodeTimeout}})
	})
	c.table[key] = p
	return p.ch
}

// Resolve settles the future registered for exactly this tuple with a
// staged media id. An unknown tuple is a no-op.
func (c *Correlator) Resolve(key TupleKey, stagedMediaID string) bool {
	return c.settle(key, Result{StagedMediaID: stagedMediaID})
}

// Fail settles the future for key with a classified failure.
func (c *Correlator) Fail(key TupleKey, code, message string) bool {
	return c.settle(key, Result{Err: &Error{Code: code, Message: message}})
}

// CancelConversation rejects every pending future scoped to the given
// conversation. Called on conversation teardown.
func (c *Correlator) CancelConversation(conv convo.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, p := range c.table {
		if key.Conv == conv {
			c.settleLocked(key, p, Result{Err: &Error{Code: CodeCancelled}})
			n++
		}
	}
	return n
}

// Pending returns the number of live futures.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

func (c *Correlator) settle(key TupleKey, res Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.table[key]
	if !ok {
		return false
	}
	c.settleLocked(key, p, res)
	return true
}

// settleLocked is the single settle-once path: it always stops the timer
// and removes the entry before delivering the result.
func (c *Correlator) settleLocked(key TupleKey, p *pending, res Result) {
	p.timer.Stop()
	delete(c.table, key)
	p.ch <- res
}
