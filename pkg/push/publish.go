package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// bufferEntry is one durable, buffered event.
type bufferEntry struct {
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAtMs int64           `json:"enqueuedAtMs"`
}

func bufferKey(userID, topic string) string {
	return "ws:buffer:" + userID + ":" + topic
}

// Publish delivers an event to every one of userID's open connections that
// is subscribed to topic. If none receive it — the user has no open
// connections, or none are subscribed — the event is appended to the
// durable per-(user,topic) buffer instead.
func (m *Manager) Publish(ctx context.Context, userID, topic string, eventType string, payload any) error {
	raw, err := json.Marshal(frame{Type: eventType, Payload: mustMarshal(payload)})
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	delivered := m.fanOut(userID, topic, raw)
	if delivered {
		return nil
	}

	return m.bufferAppend(ctx, userID, topic, raw)
}

// fanOut copies userID's current connection set under the table lock and
// enqueues raw to every one subscribed to topic. The lock is released
// before enqueueing and is never held across network I/O.
func (m *Manager) fanOut(userID, topic string, raw []byte) bool {
	m.mu.RLock()
	set := m.users[userID]
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if !c.isSubscribed(topic) {
			continue
		}
		if c.enqueue(raw) {
			delivered = true
		}
	}
	return delivered
}

// bufferAppend appends raw to the durable buffer for (userID, topic),
// trims it to BufferMaxLen newest entries, and refreshes its TTL.
func (m *Manager) bufferAppend(ctx context.Context, userID, topic string, raw []byte) error {
	entry := bufferEntry{Payload: raw, EnqueuedAtMs: time.Now().UnixMilli()}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling buffer entry: %w", err)
	}

	key := bufferKey(userID, topic)
	if err := m.kv.ListAppend(ctx, key, string(b)); err != nil {
		return fmt.Errorf("appending to push buffer: %w", err)
	}
	if err := m.kv.ListTrim(ctx, key, -int64(m.cfg.BufferMaxLen), -1); err != nil {
		return fmt.Errorf("trimming push buffer: %w", err)
	}
	if err := m.kv.SetExpire(ctx, key, m.cfg.BufferTTL); err != nil {
		return fmt.Errorf("refreshing push buffer ttl: %w", err)
	}
	if m.bufferedCount != nil {
		m.bufferedCount.Inc()
	}
	return nil
}

// replayBuffer sends every non-expired entry of (c.userID, topic) to c, in
// enqueue order, skipping entries older than MessageExpiry. The buffer is
// deleted only if every entry sent was accepted by the connection's send
// queue; otherwise it is left intact for the next reconnect to retry.
func (m *Manager) replayBuffer(ctx context.Context, c *conn, topic string) {
	key := bufferKey(c.userID, topic)
	raw, err := m.kv.ListRange(ctx, key, 0, -1)
	if err != nil {
		m.logger.Warn("push: reading buffer for replay failed", "user_id", c.userID, "topic", topic, "error", err)
		return
	}
	if len(raw) == 0 {
		return
	}

	cutoff := time.Now().Add(-m.cfg.MessageExpiry).UnixMilli()
	allDelivered := true
	anySent := false
	for _, item := range raw {
		var entry bufferEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		if entry.EnqueuedAtMs < cutoff {
			continue
		}
		anySent = true
		if !c.enqueue(entry.Payload) {
			allDelivered = false
		}
	}

	if !anySent || allDelivered {
		if err := m.kv.Delete(ctx, key); err != nil {
			m.logger.Warn("push: clearing delivered buffer failed", "user_id", c.userID, "topic", topic, "error", err)
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
