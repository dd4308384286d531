package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/hostlink/internal/bus"
	"github.com/matheus3301/hostlink/internal/config"
	"github.com/matheus3301/hostlink/internal/wire"
	"go.uber.org/zap"
)

const (
	reconnectMinBackoff = time.Second
	reconnectMaxBackoff = 30 * time.Second
	writeTimeout        = 10 * time.Second
)

// Client maintains one websocket channel to a remote execution host,
// decoding inbound envelopes and publishing them on the bus. It reconnects
// with exponential backoff until stopped.
type Client struct {
	hostID  string
	url     string
	token   string
	bus     *bus.Bus
	machine *Machine
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewClient creates a channel client for one configured host.
func NewClient(host config.Host, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		hostID:  host.ID,
		url:     host.URL,
		token:   host.Token,
		bus:     b,
		machine: NewMachine(host.ID, b),
		logger:  logger.With(zap.String("host", host.ID)),
	}
}

// HostID returns the host this client is bound to.
func (c *Client) HostID() string {
	return c.hostID
}

// Machine exposes the connection state machine.
func (c *Client) Machine() *Machine {
	return c.machine
}

// Start begins the connect/read/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop tears the channel down.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	_ = c.machine.Transition(Closed)
}

// Send marshals and writes an outbound envelope. Returns false only for
// synchronous local failures (host not connected, write error); the remote
// outcome, if any, arrives later as an independent event.
func (c *Client) Send(hostID, eventType string, payload any, trace map[string]string) bool {
	if hostID != c.hostID {
		return false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshal outbound payload", zap.Error(err), zap.String("event_type", eventType))
		return false
	}
	env := wire.Envelope{Type: eventType, HostID: hostID, Payload: raw, Trace: trace}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		c.logger.Warn("write failed", zap.Error(err), zap.String("event_type", eventType))
		return false
	}
	return true
}

func (c *Client) run(ctx context.Context) {
	backoff := reconnectMinBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		_ = c.machine.Transition(Connecting)

		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
		if err != nil {
			c.logger.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			_ = c.machine.Transition(Reconnecting)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, reconnectMaxBackoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		backoff = reconnectMinBackoff

		_ = c.machine.Transition(Ready)
		c.logger.Info("host channel connected")
		publishInbound(c.bus, KindHostOnline, c.hostID, nil)

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("host channel lost")
		_ = c.machine.Transition(Reconnecting)
		publishInbound(c.bus, KindHostOffline, c.hostID, nil)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			_ = conn.Close()
			return
		}
		evt, err := wire.Decode(env)
		if err != nil {
			// Unknown or malformed shapes stop at the boundary.
			c.logger.Warn("dropping inbound event", zap.Error(err), zap.String("type", env.Type))
			continue
		}
		publishInbound(c.bus, "transport."+env.Type, c.hostID, evt)
	}
}

// Pool routes outbound sends to the client owning the target host.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewPool creates an empty client pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*Client)}
}

// Add registers a client in the pool.
func (p *Pool) Add(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients[c.hostID] = c
}

// Send routes to the host's client; false when the host is unknown or the
// channel is down.
func (p *Pool) Send(hostID, eventType string, payload any, trace map[string]string) bool {
	p.mu.RLock()
	c, ok := p.clients[hostID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(hostID, eventType, payload, trace)
}

// StartAll starts every client's connection loop.
func (p *Pool) StartAll(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		c.Start(ctx)
	}
}

// StopAll stops every client.
func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Stop()
	}
}
