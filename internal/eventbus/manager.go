package eventbus

import "sync"

// Manager owns the task_id -> Bus mapping. The Task Manager creates a Bus
// here on admission and removes it once the task is terminal and the
// linger window has elapsed.
type Manager struct {
	mu         sync.RWMutex
	buses      map[string]*Bus
	bufferSize int
	replayLen  int
}

// NewManager creates a Manager that constructs buses with the given
// defaults for per-subscriber buffer size and replay history length.
func NewManager(bufferSize, replayLen int) *Manager {
	return &Manager{buses: make(map[string]*Bus), bufferSize: bufferSize, replayLen: replayLen}
}

// Create allocates and registers a new Bus for taskID, replacing any
// previous one (a taskID is never reused within a process, so this is
// only reachable via a bug upstream; it is still safe).
func (m *Manager) Create(taskID string) *Bus {
	b := New(m.bufferSize, m.replayLen)
	m.mu.Lock()
	m.buses[taskID] = b
	m.mu.Unlock()
	return b
}

// Get returns the Bus for taskID, if one is currently registered.
func (m *Manager) Get(taskID string) (*Bus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[taskID]
	return b, ok
}

// Remove closes and unregisters the Bus for taskID. Safe to call more
// than once.
func (m *Manager) Remove(taskID string) {
	m.mu.Lock()
	b, ok := m.buses[taskID]
	if ok {
		delete(m.buses, taskID)
	}
	m.mu.Unlock()
	if ok {
		b.Close()
	}
}
