// Package push implements the Push Channel Manager: a long-
// lived, authenticated, full-duplex message channel with per-user fan-out,
// per-topic subscriptions, liveness pings, and a durable KV-backed buffer
// for events a client was not connected (or not subscribed) to receive.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const topicPrefix = "conversation:"

// TopicFor builds the topic string for a conversation id.
func TopicFor(conversationID string) string { return topicPrefix + conversationID }

// ValidTopic reports whether t is a well-formed topic string.
func ValidTopic(t string) bool {
	return strings.HasPrefix(t, topicPrefix) && len(t) > len(topicPrefix)
}

// Config holds the Manager's tunable policy.
type Config struct {
	AuthTimeout     time.Duration
	PingInterval    time.Duration
	InactiveTimeout time.Duration
	BufferMaxLen    int
	BufferTTL       time.Duration
	MessageExpiry   time.Duration
	ShutdownGrace   time.Duration
}

// DefaultConfig returns the default push channel policy.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:     10 * time.Second,
		PingInterval:    30 * time.Second,
		InactiveTimeout: 30 * time.Second,
		BufferMaxLen:    50,
		BufferTTL:       24 * time.Hour,
		MessageExpiry:   5 * time.Minute,
		ShutdownGrace:   2 * time.Second,
	}
}

// Authenticator verifies a bearer token presented in an authenticate frame
// and returns the owning userId.
type Authenticator interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Buffer is the subset of the KV-Store Facade backing the durable
// per-(user, topic) buffer. *kv.Store satisfies it.
type Buffer interface {
	ListAppend(ctx context.Context, key, value string) error
	ListTrim(ctx context.Context, key string, start, stop int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	SetExpire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// frame is the wire shape of every inbound/outbound message.
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// conn is the server-side state for one duplex connection. Inbound frames
// are handled on the single goroutine running readLoop; the liveness sweep,
// publishers and shutdown also touch its state, so mutable fields are
// guarded by mu.
type conn struct {
	ws       *websocket.Conn
	remoteIP string

	mu            sync.Mutex // guards the fields below; held briefly, never across sends
	userID        string
	authenticated bool
	alive         bool
	closing       bool
	topics        map[string]bool

	send      chan []byte
	closeMsg  chan []byte // the close frame, written by the writer after queued frames
	done      chan struct{}
	closeOnce sync.Once
	termOnce  sync.Once
}

func newConn(ws *websocket.Conn, remoteIP string) *conn {
	return &conn{
		ws:       ws,
		remoteIP: remoteIP,
		alive:    true,
		topics:   make(map[string]bool),
		send:     make(chan []byte, 64),
		closeMsg: make(chan []byte, 1),
		done:     make(chan struct{}),
	}
}

func (c *conn) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

func (c *conn) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *conn) subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
}

func (c *conn) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

func (c *conn) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

// enqueue hands a frame to this connection's writer goroutine. It never
// blocks on network I/O — it returns false if the send buffer is full or
// the connection is closing, which the caller treats as "not delivered".
func (c *conn) enqueue(payload []byte) bool {
	if c.isClosing() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Manager is the Push Channel Manager. It owns the per-user connection
// table and the KV-backed durable buffer.
type Manager struct {
	cfg    Config
	auth   Authenticator
	kv     Buffer
	logger *slog.Logger

	mu    sync.RWMutex // guards users; held only for map lookups/mutation
	users map[string]map[*conn]struct{}

	connectedGauge prometheus.Gauge
	bufferedCount  prometheus.Counter
}

// New creates a Manager. connectedGauge and bufferedCount may be nil, in
// which case connection/buffer events are not counted.
func New(cfg Config, auth Authenticator, store Buffer, logger *slog.Logger, connectedGauge prometheus.Gauge, bufferedCount prometheus.Counter) *Manager {
	return &Manager{
		cfg:            cfg,
		auth:           auth,
		kv:             store,
		logger:         logger,
		users:          make(map[string]map[*conn]struct{}),
		connectedGauge: connectedGauge,
		bufferedCount:  bufferedCount,
	}
}

// HandleConnection upgrades r to a duplex connection and runs it until the
// connection closes. Intended to be called directly from an HTTP
// handler; it blocks for the connection's lifetime.
func (m *Manager) HandleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrading connection: %w", err)
	}

	c := newConn(ws, r.RemoteAddr)
	go m.writeLoop(c)

	if err := m.authenticate(ctx, c); err != nil {
		code := "auth-failed"
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = "auth-timeout"
		}
		c.closeWithCode(websocket.CloseNormalClosure, code)
		c.terminate()
		return err
	}

	// Register before acknowledging, so a client that has seen
	// auth_success can rely on fan-out reaching it.
	m.register(c)
	defer m.deregister(c)

	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()
	m.sendFrame(c, "auth_success", map[string]string{"userId": userID})
	m.sendFrame(c, "connected", map[string]any{})

	m.readLoop(ctx, c)
	return nil
}

// authenticate blocks up to AuthTimeout for a valid `authenticate` frame.
func (m *Manager) authenticate(ctx context.Context, c *conn) error {
	c.ws.SetReadDeadline(time.Now().Add(m.cfg.AuthTimeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("auth-timeout: %w", err)
	}

	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type != "authenticate" {
		m.sendFrame(c, "auth_error", map[string]string{"reason": "expected authenticate frame"})
		return errors.New("first frame was not authenticate")
	}

	var body struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(f.Payload, &body)

	userID, err := m.auth.Verify(ctx, body.Token)
	if err != nil {
		m.sendFrame(c, "auth_error", map[string]string{"reason": "invalid token"})
		return fmt.Errorf("authenticating connection: %w", err)
	}

	c.mu.Lock()
	c.userID = userID
	c.authenticated = true
	c.alive = true
	c.mu.Unlock()

	c.ws.SetReadDeadline(time.Time{})
	return nil
}

func (m *Manager) register(c *conn) {
	m.mu.Lock()
	set, ok := m.users[c.userID]
	if !ok {
		set = make(map[*conn]struct{})
		m.users[c.userID] = set
	}
	set[c] = struct{}{}
	m.mu.Unlock()
	if m.connectedGauge != nil {
		m.connectedGauge.Inc()
	}
}

func (m *Manager) deregister(c *conn) {
	m.mu.Lock()
	if set, ok := m.users[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m.users, c.userID)
		}
	}
	m.mu.Unlock()
	// deregister can run twice for one conn (liveness sweep, then the
	// deferred call in HandleConnection); count it down only once.
	c.mu.Lock()
	wasAuthenticated := c.authenticated
	c.authenticated = false
	c.mu.Unlock()
	if wasAuthenticated && m.connectedGauge != nil {
		m.connectedGauge.Dec()
	}
	c.closeWithCode(websocket.CloseNormalClosure, "")
	c.terminate()
}

// readLoop serializes all inbound-frame handling for c on a single
// goroutine, so subscription-set and alive-flag mutations need no locking
// beyond what conn already does for cross-goroutine visibility.
func (m *Manager) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(m.cfg.InactiveTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.setAlive(true)
		c.ws.SetReadDeadline(time.Now().Add(m.cfg.InactiveTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.setAlive(true)
		c.ws.SetReadDeadline(time.Now().Add(m.cfg.InactiveTimeout))

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			m.sendFrame(c, "error", map[string]string{"message": "malformed frame"})
			continue
		}

		switch f.Type {
		case "ping":
			m.sendFrame(c, "pong", nil)
		case "subscribe":
			m.handleSubscribe(ctx, c, f)
		case "unsubscribe":
			m.handleUnsubscribe(c, f)
		default:
			m.sendFrame(c, "error", map[string]string{"message": "unknown frame type"})
		}
	}
}

func (m *Manager) handleSubscribe(ctx context.Context, c *conn, f frame) {
	var body struct {
		Topic string `json:"topic"`
	}
	_ = json.Unmarshal(f.Payload, &body)

	if !ValidTopic(body.Topic) {
		m.sendFrame(c, "error", map[string]string{"message": "invalid topic"})
		return
	}

	// Add to the subscription set BEFORE replay, so events published during
	// replay are not lost.
	c.subscribe(body.Topic)
	m.sendFrame(c, "subscribed", map[string]string{"topic": body.Topic})
	m.replayBuffer(ctx, c, body.Topic)
}

func (m *Manager) handleUnsubscribe(c *conn, f frame) {
	var body struct {
		Topic string `json:"topic"`
	}
	_ = json.Unmarshal(f.Payload, &body)
	c.unsubscribe(body.Topic)
	m.sendFrame(c, "unsubscribed", map[string]string{"topic": body.Topic})
}

func (m *Manager) sendFrame(c *conn, typ string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err == nil {
			raw = b
		}
	}
	b, err := json.Marshal(frame{Type: typ, Payload: raw})
	if err != nil {
		return
	}
	c.enqueue(b)
}

// writeLoop is the single goroutine permitted to write data frames to the
// underlying websocket.Conn; gorilla/websocket connections are not safe
// for concurrent writers. A close frame arriving via closeMsg is written
// after everything already queued, and the loop keeps running — socket
// still open — until terminate fires, so the peer gets its grace window to
// answer the close handshake.
func (m *Manager) writeLoop(c *conn) {
	defer c.ws.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.writeText(msg) {
				return
			}
		case cm := <-c.closeMsg:
			if !c.drainSend() {
				return
			}
			c.writeClose(cm)
		case <-c.done:
			if c.drainSend() {
				select {
				case cm := <-c.closeMsg:
					c.writeClose(cm)
				default:
				}
			}
			return
		}
	}
}

func (c *conn) writeText(msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, msg) == nil
}

func (c *conn) writeClose(msg []byte) {
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	c.ws.WriteMessage(websocket.CloseMessage, msg) //nolint:errcheck
}

// drainSend writes any already-queued data frames. It reports false when a
// write fails and the connection is beyond saving.
func (c *conn) drainSend() bool {
	for {
		select {
		case msg := <-c.send:
			if !c.writeText(msg) {
				return false
			}
		default:
			return true
		}
	}
}

// closeWithCode hands the close frame to the writer goroutine, which sends
// it after any frames already queued, and stops accepting new outbound
// frames. The socket itself stays open so the peer can finish the close
// handshake; terminate tears it down.
func (c *conn) closeWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.closeMsg <- websocket.FormatCloseMessage(code, reason)
	})
}

// terminate releases the writer goroutine, which flushes queued frames and
// closes the socket.
func (c *conn) terminate() {
	c.termOnce.Do(func() {
		close(c.done)
	})
}
