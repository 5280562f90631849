package push

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeBuffer is an in-memory Buffer with redis LTRIM semantics.
type fakeBuffer struct {
	mu      sync.Mutex
	lists   map[string][]string
	expires map[string]time.Duration
	deleted []string
}

func newFakeBuffer() *fakeBuffer {
	return &fakeBuffer{
		lists:   make(map[string][]string),
		expires: make(map[string]time.Duration),
	}
}

func (f *fakeBuffer) ListAppend(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], value)
	return nil
}

func (f *fakeBuffer) ListTrim(_ context.Context, key string, start, stop int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		f.lists[key] = nil
		return nil
	}
	f.lists[key] = list[start : stop+1]
	return nil
}

func (f *fakeBuffer) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

func (f *fakeBuffer) SetExpire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = ttl
	return nil
}

func (f *fakeBuffer) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func testManager(buf Buffer) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(DefaultConfig(), nil, buf, logger, nil, nil)
}

// subscribedConn builds an authenticated, registered connection that is
// subscribed to the given topics. The websocket itself is never touched by
// the paths under test — frames land on the send channel.
func subscribedConn(m *Manager, userID string, sendCap int, topics ...string) *conn {
	c := newConn(nil, "127.0.0.1")
	c.userID = userID
	c.authenticated = true
	c.send = make(chan []byte, sendCap)
	for _, topic := range topics {
		c.subscribe(topic)
	}
	m.register(c)
	return c
}

func drainFrame(t *testing.T, c *conn) frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("unmarshaling frame %q: %v", raw, err)
		}
		return f
	default:
		t.Fatal("no frame on send queue")
		return frame{}
	}
}

func TestPublish_DeliversToSubscribedConn(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")
	c := subscribedConn(m, "u1", 8, topic)

	if err := m.Publish(context.Background(), "u1", topic, "conversation_progress", map[string]any{"progress": 0.5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f := drainFrame(t, c)
	if f.Type != "conversation_progress" {
		t.Errorf("frame type = %q, want conversation_progress", f.Type)
	}
	if len(buf.lists[bufferKey("u1", topic)]) != 0 {
		t.Error("delivered event must not also be buffered")
	}
}

func TestPublish_BuffersWhenNoConnections(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")

	if err := m.Publish(context.Background(), "u1", topic, "conversation_progress", map[string]any{"progress": 0.5}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	key := bufferKey("u1", topic)
	if len(buf.lists[key]) != 1 {
		t.Fatalf("buffer length = %d, want 1", len(buf.lists[key]))
	}
	if buf.expires[key] != m.cfg.BufferTTL {
		t.Errorf("buffer TTL = %v, want %v", buf.expires[key], m.cfg.BufferTTL)
	}

	var entry bufferEntry
	if err := json.Unmarshal([]byte(buf.lists[key][0]), &entry); err != nil {
		t.Fatalf("unmarshaling buffer entry: %v", err)
	}
	if entry.EnqueuedAtMs == 0 {
		t.Error("buffer entry missing enqueue timestamp")
	}
}

func TestPublish_BuffersWhenConnNotSubscribed(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	subscribedConn(m, "u1", 8, TopicFor("other"))

	topic := TopicFor("c1")
	if err := m.Publish(context.Background(), "u1", topic, "audio_processed", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(buf.lists[bufferKey("u1", topic)]) != 1 {
		t.Error("event for an unsubscribed topic must be buffered")
	}
}

func TestPublish_TrimsBufferToMaxLen(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	m.cfg.BufferMaxLen = 3
	topic := TopicFor("c1")

	for i := 0; i < 5; i++ {
		if err := m.Publish(context.Background(), "u1", topic, "audio_processed", map[string]any{"n": i}); err != nil {
			t.Fatalf("Publish #%d: %v", i, err)
		}
	}

	key := bufferKey("u1", topic)
	if len(buf.lists[key]) != 3 {
		t.Fatalf("buffer length = %d, want 3 (newest kept)", len(buf.lists[key]))
	}
	// The survivors must be the 3 newest entries.
	var entry bufferEntry
	if err := json.Unmarshal([]byte(buf.lists[key][0]), &entry); err != nil {
		t.Fatal(err)
	}
	var inner frame
	if err := json.Unmarshal(entry.Payload, &inner); err != nil {
		t.Fatal(err)
	}
	var payload struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(inner.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.N != 2 {
		t.Errorf("oldest surviving entry n = %d, want 2", payload.N)
	}
}

func TestReplayBuffer_DeliversInOrderAndClears(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")
	key := bufferKey("u1", topic)

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		raw, _ := json.Marshal(frame{Type: "audio_processed", Payload: json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`)})
		entry, _ := json.Marshal(bufferEntry{Payload: raw, EnqueuedAtMs: now})
		buf.lists[key] = append(buf.lists[key], string(entry))
	}

	c := subscribedConn(m, "u1", 8, topic)
	m.replayBuffer(context.Background(), c, topic)

	for i := 0; i < 3; i++ {
		f := drainFrame(t, c)
		var payload struct {
			N json.RawMessage `json:"n"`
		}
		if err := json.Unmarshal(f.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if string(payload.N) != string(rune('0'+i)) {
			t.Errorf("replay out of order at %d: got n=%s", i, payload.N)
		}
	}

	if len(buf.deleted) != 1 || buf.deleted[0] != key {
		t.Errorf("fully delivered buffer should be cleared, deleted = %v", buf.deleted)
	}
}

func TestReplayBuffer_SkipsExpiredEntries(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")
	key := bufferKey("u1", topic)

	raw, _ := json.Marshal(frame{Type: "audio_processed"})
	stale, _ := json.Marshal(bufferEntry{Payload: raw, EnqueuedAtMs: time.Now().Add(-2 * m.cfg.MessageExpiry).UnixMilli()})
	fresh, _ := json.Marshal(bufferEntry{Payload: raw, EnqueuedAtMs: time.Now().UnixMilli()})
	buf.lists[key] = []string{string(stale), string(fresh)}

	c := subscribedConn(m, "u1", 8, topic)
	m.replayBuffer(context.Background(), c, topic)

	if got := len(c.send); got != 1 {
		t.Errorf("frames replayed = %d, want 1 (expired entry skipped)", got)
	}
}

func TestReplayBuffer_KeptWhenNotFullyDelivered(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")
	key := bufferKey("u1", topic)

	raw, _ := json.Marshal(frame{Type: "audio_processed"})
	now := time.Now().UnixMilli()
	for i := 0; i < 2; i++ {
		entry, _ := json.Marshal(bufferEntry{Payload: raw, EnqueuedAtMs: now})
		buf.lists[key] = append(buf.lists[key], string(entry))
	}

	// Send queue of 1: the second replayed entry cannot be accepted.
	c := subscribedConn(m, "u1", 1, topic)
	m.replayBuffer(context.Background(), c, topic)

	if len(buf.deleted) != 0 {
		t.Error("partially delivered buffer must be left intact for the next reconnect")
	}
	if len(buf.lists[key]) != 2 {
		t.Errorf("buffer length = %d, want 2 (untouched)", len(buf.lists[key]))
	}
}

func TestReplayBuffer_AllExpiredClearsWithoutSending(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")
	key := bufferKey("u1", topic)

	raw, _ := json.Marshal(frame{Type: "audio_processed"})
	stale, _ := json.Marshal(bufferEntry{Payload: raw, EnqueuedAtMs: time.Now().Add(-2 * m.cfg.MessageExpiry).UnixMilli()})
	buf.lists[key] = []string{string(stale)}

	c := subscribedConn(m, "u1", 8, topic)
	m.replayBuffer(context.Background(), c, topic)

	if len(c.send) != 0 {
		t.Error("expired entries must not be replayed")
	}
	if len(buf.deleted) != 1 {
		t.Error("a buffer with nothing left to deliver should be cleared")
	}
}

// TestHandleSubscribe_AckPrecedesReplay covers the ordering guarantee: the
// subscribed acknowledgment is emitted before any replayed event.
func TestHandleSubscribe_AckPrecedesReplay(t *testing.T) {
	buf := newFakeBuffer()
	m := testManager(buf)
	topic := TopicFor("c1")
	key := bufferKey("u1", topic)

	raw, _ := json.Marshal(frame{Type: "conversation_progress", Payload: json.RawMessage(`{"progress":0.5}`)})
	entry, _ := json.Marshal(bufferEntry{Payload: raw, EnqueuedAtMs: time.Now().UnixMilli()})
	buf.lists[key] = []string{string(entry)}

	c := subscribedConn(m, "u1", 8)
	m.handleSubscribe(context.Background(), c, frame{Type: "subscribe", Payload: json.RawMessage(`{"topic":"` + topic + `"}`)})

	first := drainFrame(t, c)
	if first.Type != "subscribed" {
		t.Fatalf("first frame = %q, want subscribed", first.Type)
	}
	second := drainFrame(t, c)
	if second.Type != "conversation_progress" {
		t.Fatalf("second frame = %q, want the replayed conversation_progress", second.Type)
	}
	if !c.isSubscribed(topic) {
		t.Error("connection not subscribed after subscribe frame")
	}
}

func TestHandleSubscribe_RejectsForeignTopicPrefix(t *testing.T) {
	m := testManager(newFakeBuffer())
	c := subscribedConn(m, "u1", 8)

	m.handleSubscribe(context.Background(), c, frame{Type: "subscribe", Payload: json.RawMessage(`{"topic":"user:u2"}`)})

	f := drainFrame(t, c)
	if f.Type != "error" {
		t.Errorf("frame type = %q, want error", f.Type)
	}
	if c.isSubscribed("user:u2") {
		t.Error("foreign-prefix topic must not be subscribed")
	}
}

func TestHandleUnsubscribe_RemovesTopic(t *testing.T) {
	m := testManager(newFakeBuffer())
	topic := TopicFor("c1")
	c := subscribedConn(m, "u1", 8, topic)

	m.handleUnsubscribe(c, frame{Type: "unsubscribe", Payload: json.RawMessage(`{"topic":"` + topic + `"}`)})

	if c.isSubscribed(topic) {
		t.Error("topic still subscribed after unsubscribe")
	}
	f := drainFrame(t, c)
	if f.Type != "unsubscribed" {
		t.Errorf("frame type = %q, want unsubscribed", f.Type)
	}
}
