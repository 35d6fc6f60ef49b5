// Package channel maintains the encrypted, auto-reconnecting publish/
// subscribe link to the real-time endpoint. Every outbound frame is
// JSON-serialized, sealed with a per-connection AES-GCM key, and size
// checked; every inbound frame is decrypted and dispatched by event type.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"walksync/internal/errs"
	"walksync/internal/metrics"
)

type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateError        State = "ERROR"
)

const (
	eventPing = "ping"
	eventPong = "pong"

	writeWait = 10 * time.Second
)

// Envelope is the decrypted wire form of every channel message.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Config struct {
	URL               string
	MaxAttempts       int
	RetryInterval     time.Duration
	HeartbeatInterval time.Duration
	MaxMessageBytes   int
	// KeyMaterial comes from the external key-exchange collaborator.
	KeyMaterial []byte
}

type Handler func(sessionID string, data json.RawMessage)

type subscriber struct {
	id int
	fn Handler
}

type Channel struct {
	cfg Config
	log *zap.Logger
	met *metrics.Metrics

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	key           []byte
	sessionID     string
	subs          map[string][]subscriber
	nextSubID     int
	cancelConnect context.CancelFunc
	stopHeartbeat chan struct{}

	writeMu sync.Mutex
}

func New(cfg Config, log *zap.Logger, met *metrics.Metrics) *Channel {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		cfg:   cfg,
		log:   log,
		met:   met,
		state: StateDisconnected,
		subs:  make(map[string][]subscriber),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect negotiates the session key, dials the endpoint, and returns once
// the link is usable. A bounded fixed-interval retry runs before it gives
// up with a ChannelError; Disconnect cancels any pending retry immediately.
func (c *Channel) Connect(ctx context.Context, sessionID, token string) error {
	key, err := deriveSessionKey(c.cfg.KeyMaterial, sessionID)
	if err != nil {
		return &errs.ChannelError{Message: fmt.Sprintf("derive session key: %v", err)}
	}

	endpoint, err := connectURL(c.cfg.URL, sessionID, token)
	if err != nil {
		return &errs.ChannelError{Message: fmt.Sprintf("build url: %v", err)}
	}

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return &errs.ChannelError{Message: "already " + string(c.state)}
	}
	c.state = StateConnecting
	c.sessionID = sessionID
	c.cancelConnect = cancel
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.met.Inc(metricOrNil(c.met).ReconnectAttempts)

		conn, _, err := websocket.DefaultDialer.DialContext(connectCtx, endpoint, nil)
		if err == nil {
			c.attach(conn, key)
			c.log.Info("channel connected",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.log.Warn("channel dial failed",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-connectCtx.Done():
			c.setState(StateDisconnected)
			return &errs.ChannelError{Message: "connect cancelled"}
		case <-time.After(c.cfg.RetryInterval):
		}
	}

	c.setState(StateError)
	return &errs.ChannelError{
		Attempts: c.cfg.MaxAttempts,
		Message:  fmt.Sprintf("connect failed: %v", lastErr),
	}
}

func (c *Channel) attach(conn *websocket.Conn, key []byte) {
	c.mu.Lock()
	c.conn = conn
	c.key = key
	c.state = StateConnected
	c.stopHeartbeat = make(chan struct{})
	stop := c.stopHeartbeat
	c.mu.Unlock()

	conn.SetReadLimit(int64(c.cfg.MaxMessageBytes))

	go c.readLoop(conn, key)
	go c.heartbeatLoop(stop)
}

// Publish serializes, encrypts, size-checks, and sends payload under the
// given topic. It refuses immediately when not connected; oversized frames
// are dropped, never truncated.
func (c *Channel) Publish(topic string, payload any) error {
	c.mu.Lock()
	state, conn, key, sessionID := c.state, c.conn, c.key, c.sessionID
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		err := &errs.ChannelError{Message: "publish while " + string(state)}
		c.log.Warn("publish rejected", zap.String("topic", topic), zap.Error(err))
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return &errs.ChannelError{Message: fmt.Sprintf("encode payload: %v", err)}
	}
	return c.send(conn, key, Envelope{Type: topic, SessionID: sessionID, Data: data})
}

func (c *Channel) send(conn *websocket.Conn, key []byte, env Envelope) error {
	plain, err := json.Marshal(env)
	if err != nil {
		return &errs.ChannelError{Message: fmt.Sprintf("encode envelope: %v", err)}
	}
	sealed, err := seal(key, plain)
	if err != nil {
		return &errs.ChannelError{Message: fmt.Sprintf("encrypt: %v", err)}
	}
	if len(sealed) > c.cfg.MaxMessageBytes {
		c.met.Inc(metricOrNil(c.met).OversizedDropped)
		err := &errs.ChannelError{Message: fmt.Sprintf("message of %d bytes exceeds limit %d", len(sealed), c.cfg.MaxMessageBytes)}
		c.log.Error("oversized message dropped", zap.String("type", env.Type), zap.Error(err))
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, sealed); err != nil {
		c.transportError(conn, err)
		return &errs.ChannelError{Message: fmt.Sprintf("write: %v", err)}
	}
	return nil
}

// Subscribe registers fn for every inbound message of the given event type.
// Subscribers run in registration order; a panicking subscriber does not
// stop the others. The returned func removes the subscription.
func (c *Channel) Subscribe(eventType string, fn Handler) (remove func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[eventType] = append(c.subs[eventType], subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[eventType]
		for i, s := range list {
			if s.id == id {
				c.subs[eventType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Disconnect stops the heartbeat and any pending retry, closes the
// transport, and clears the session key and subscriber table. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancelConnect
	conn := c.conn
	stop := c.stopHeartbeat
	c.cancelConnect = nil
	c.conn = nil
	c.key = nil
	c.subs = make(map[string][]subscriber)
	c.stopHeartbeat = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

func (c *Channel) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			state, conn, key := c.state, c.conn, c.key
			c.mu.Unlock()
			if state != StateConnected || conn == nil {
				return
			}
			if err := c.send(conn, key, Envelope{Type: eventPing}); err != nil {
				c.log.Warn("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn, key []byte) {
	for {
		_, blob, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				// Disconnect already ran; nothing to report.
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("channel closed by peer", zap.Error(err))
				c.setState(StateDisconnected)
			} else {
				c.log.Warn("channel transport error", zap.Error(err))
				c.transportError(conn, err)
			}
			return
		}

		plain, err := open(key, blob)
		if err != nil {
			// Corrupted or hostile frame; never fatal to the channel.
			c.log.Warn("discarding undecryptable frame", zap.Error(err))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(plain, &env); err != nil {
			c.log.Warn("discarding unparseable frame", zap.Error(err))
			continue
		}

		if env.Type == eventPing || env.Type == eventPong {
			continue
		}

		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env Envelope) {
	c.mu.Lock()
	list := make([]subscriber, len(c.subs[env.Type]))
	copy(list, c.subs[env.Type])
	c.mu.Unlock()

	if len(list) == 0 {
		c.log.Debug("discarding message with no subscribers", zap.String("type", env.Type))
		return
	}
	for _, s := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("subscriber panicked",
						zap.String("type", env.Type),
						zap.Any("panic", r))
				}
			}()
			s.fn(env.SessionID, env.Data)
		}()
	}
}

// transportError moves the channel to ERROR and closes the link. Recovery
// requires a fresh Connect from the owner.
func (c *Channel) transportError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.key = nil
	c.state = StateError
	stop := c.stopHeartbeat
	c.stopHeartbeat = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	_ = conn.Close()
	_ = err
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func connectURL(base, sessionID, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// metricOrNil lets counter access stay nil-safe when metrics are disabled.
func metricOrNil(m *metrics.Metrics) *metrics.Metrics {
	if m == nil {
		return &metrics.Metrics{}
	}
	return m
}
