// Package realtime owns the single websocket connection to the backend's
// push endpoint. It authenticates with a bearer token immediately after the
// connection is established, decodes incoming frames, hands them to the
// event bus, and reconnects after an unexpected close.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"snagline/internal/bus"
	"snagline/internal/domain"
	"snagline/internal/logging"
)

// DefaultReconnectDelay is the fixed delay between a connection loss and
// the single reconnect attempt it schedules.
const DefaultReconnectDelay = 3 * time.Second

// BackoffFactory builds a fresh backoff sequence for one outage. The
// sequence is discarded once a connection is re-established, so the next
// outage starts from the beginning again.
type BackoffFactory func() retry.Backoff

// ConstantBackoff retries every interval forever. This is the default
// policy.
func ConstantBackoff(interval time.Duration) BackoffFactory {
	return func() retry.Backoff { return retry.NewConstant(interval) }
}

// ExponentialBackoff retries with exponential growth, jitter, and a cap; a
// policy suited to larger deployments where simultaneous reconnects matter.
func ExponentialBackoff(base, cap time.Duration) BackoffFactory {
	return func() retry.Backoff {
		b := retry.NewExponential(base)
		b = retry.WithJitterPercent(10, b)
		return retry.WithCappedDuration(cap, b)
	}
}

// Config for a Channel.
type Config struct {
	// URL of the websocket endpoint, e.g. ws://host/api/ws.
	URL string
	// Token returns the bearer token sent in the auth frame. Called on
	// every (re)connect so a refreshed token is picked up.
	Token func() string
	// Bus receives every well-formed decoded frame.
	Bus *bus.Bus
	// Backoff policy between reconnect attempts. Default: constant 3s.
	Backoff BackoffFactory
	Dialer  *websocket.Dialer
	Logger  logging.Logger
}

// Channel is a reconnecting websocket client. Connect and Disconnect are
// idempotent; state in between is observable through Connected and
// OnStateChange.
type Channel struct {
	cfg Config
	log logging.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	connecting bool
	stopped    bool
	gen        int
	timer      *time.Timer
	backoff    retry.Backoff
	onState    func(bool)
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func NewChannel(cfg Config) *Channel {
	if cfg.Backoff == nil {
		cfg.Backoff = ConstantBackoff(DefaultReconnectDelay)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop{}
	}
	return &Channel{cfg: cfg, log: log, stopped: true}
}

// Connect opens the connection if it is not already open or opening. The
// dial happens on a background goroutine; failures feed the reconnect loop
// rather than being returned.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	if c.connected || c.connecting {
		return
	}
	c.dialLocked()
}

// Disconnect cancels any pending reconnect and closes the connection. No
// further reconnect attempts happen until Connect is called again.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.backoff = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setConnectedLocked(false)
}

// Connected reports the current connection state. It is a UI hint, not a
// delivery guarantee: it can race with an in-flight close.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnStateChange registers a callback invoked whenever the connection state
// flips. The callback runs off the channel's internal goroutines and must
// not block.
func (c *Channel) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Channel) setConnectedLocked(v bool) {
	if c.connected == v {
		return
	}
	c.connected = v
	if c.onState != nil {
		go c.onState(v)
	}
}

// dialLocked starts a connection attempt. Caller holds c.mu.
func (c *Channel) dialLocked() {
	c.connecting = true
	c.gen++
	gen := c.gen
	go c.dial(gen)
}

func (c *Channel) dial(gen int) {
	ctx := context.Background()
	conn, _, err := c.cfg.Dialer.Dial(c.cfg.URL, nil)

	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.connecting = false
	if err != nil {
		c.log.Warn(ctx, "websocket dial failed", "url", c.cfg.URL, "error", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.backoff = nil
	c.setConnectedLocked(true)
	c.mu.Unlock()

	var token string
	if c.cfg.Token != nil {
		token = c.cfg.Token()
	}
	if err := conn.WriteJSON(authFrame{Type: "auth", Token: token}); err != nil {
		c.log.Warn(ctx, "websocket auth frame failed", "error", err)
		_ = conn.Close()
		// The read loop below exits immediately and schedules the retry.
	}

	c.readLoop(conn, gen)
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	ctx := context.Background()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		evt, ok := decodeFrame(payload)
		if !ok {
			c.log.Warn(ctx, "dropping malformed frame", "size", len(payload))
			continue
		}
		if c.cfg.Bus != nil {
			c.cfg.Bus.Publish(evt)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.conn = nil
	c.setConnectedLocked(false)
	if c.stopped {
		return
	}
	c.log.Info(ctx, "websocket connection lost, scheduling reconnect")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms exactly one reconnect attempt after the
// policy's next delay. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	if c.backoff == nil {
		c.backoff = c.cfg.Backoff()
	}
	delay, stop := c.backoff.Next()
	if stop {
		// A capped policy that signals stop falls back to the cap itself;
		// the channel never gives up on its own.
		delay = DefaultReconnectDelay
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.timer = nil
		if c.stopped || c.connected || c.connecting {
			return
		}
		c.dialLocked()
	})
}

// decodeFrame parses a wire frame. Frames that are not JSON objects or lack
// a type are dropped before they reach any subscriber.
func decodeFrame(payload []byte) (domain.SyncEvent, bool) {
	var evt domain.SyncEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return domain.SyncEvent{}, false
	}
	if evt.Type == "" {
		return domain.SyncEvent{}, false
	}
	return evt, true
}
