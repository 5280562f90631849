package push

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// RunLivenessLoop scans authenticated connections every PingInterval,
// terminating any whose isAlive flag is false, then resets the flags and
// sends a protocol-level ping to the survivors. It blocks until ctx is
// cancelled.
func (m *Manager) RunLivenessLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepLiveness()
		}
	}
}

// snapshot copies the current connection set out from under the table
// lock so callers never hold it across writes.
func (m *Manager) snapshot() []*conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*conn
	for _, set := range m.users {
		for c := range set {
			all = append(all, c)
		}
	}
	return all
}

func (m *Manager) sweepLiveness() {
	for _, c := range m.snapshot() {
		if !c.isAlive() {
			m.deregister(c)
			continue
		}
		c.setAlive(false)
		// WriteControl is safe alongside the writer goroutine.
		c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)) //nolint:errcheck
	}
}

// Shutdown sends a graceful close frame to every open connection, waits up
// to ShutdownGrace for clients to complete the close handshake (a client
// that answers the frame unwinds through its read loop and deregisters
// itself), then forcibly terminates whatever is still connected.
func (m *Manager) Shutdown() {
	for _, c := range m.snapshot() {
		c.closeWithCode(websocket.CloseGoingAway, "server-shutdown")
	}

	time.Sleep(m.cfg.ShutdownGrace)

	m.mu.Lock()
	var remaining []*conn
	for _, set := range m.users {
		for c := range set {
			remaining = append(remaining, c)
		}
	}
	m.users = make(map[string]map[*conn]struct{})
	m.mu.Unlock()

	for _, c := range remaining {
		c.terminate()
	}
}
