package terminal

import (
	"sync"

	"github.com/vibetunnel/vthub/pkg/external"
)

// Manager is the concrete external.TerminalManager: it owns one
// TerminalBuffer per session, fed by whatever feeds it PTY output (Feed),
// and fans out encoded snapshots to subscribers whenever the buffer
// changes. Grounded on the teacher's pkg/termsocket/manager.go Manager,
// narrowed from "buffer manager + stream tailer + WebSocket client
// registry" down to just the buffer + subscriber-fanout half — tailing
// now belongs to castlog.Tailer and client transport to pkg/wsv3.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession
}

type managedSession struct {
	mu        sync.Mutex
	buf       *TerminalBuffer
	listeners map[int]func([]byte)
	nextID    int
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*managedSession)}
}

// Feed writes PTY output into the named session's buffer and notifies
// subscribers with a fresh encoded snapshot. cols/rows seed the buffer's
// initial dimensions only if the session has no buffer yet (no earlier
// Feed, Resize or SubscribeToBufferChanges call created one).
func (m *Manager) Feed(sessionID string, cols, rows int, data []byte) {
	ms := m.getOrCreate(sessionID, cols, rows)

	ms.mu.Lock()
	ms.buf.Write(data)
	snapshot := ms.buf.GetSnapshot().EncodeSnapshot()
	listeners := make([]func([]byte), 0, len(ms.listeners))
	for _, fn := range ms.listeners {
		listeners = append(listeners, fn)
	}
	ms.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Resize adjusts a session's buffer dimensions.
func (m *Manager) Resize(sessionID string, cols, rows int) {
	ms := m.getOrCreate(sessionID, cols, rows)
	ms.mu.Lock()
	ms.buf.Resize(cols, rows)
	ms.mu.Unlock()
}

// SubscribeToBufferChanges implements external.TerminalManager: onSnapshot
// is called with an already-encoded snapshot on every Feed, and once
// immediately with the buffer's current state.
func (m *Manager) SubscribeToBufferChanges(sessionID string, onSnapshot func(encoded []byte)) (func(), error) {
	ms := m.getOrCreate(sessionID, 80, 24)

	ms.mu.Lock()
	id := ms.nextID
	ms.nextID++
	ms.listeners[id] = onSnapshot
	initial := ms.buf.GetSnapshot().EncodeSnapshot()
	ms.mu.Unlock()

	onSnapshot(initial)

	return func() {
		ms.mu.Lock()
		delete(ms.listeners, id)
		ms.mu.Unlock()
	}, nil
}

func (m *Manager) getOrCreate(sessionID string, cols, rows int) *managedSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		ms = &managedSession{buf: NewTerminalBuffer(cols, rows), listeners: make(map[int]func([]byte))}
		m.sessions[sessionID] = ms
	}
	return ms
}

// Remove discards a session's buffer and subscribers, e.g. on exit.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

var _ external.TerminalManager = (*Manager)(nil)
