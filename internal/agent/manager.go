package agent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/Warp-Terra/repo-agent/internal/llm"
)

// RuntimeFactory builds a provider runtime for a new session.
type RuntimeFactory func() (llm.Runtime, error)

// Manager owns all live sessions. A nil map entry reserves an id while
// its session is still being constructed, so concurrent creates with the
// same id cannot both succeed.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	stopping   bool
	maxEvents  int
	newRuntime RuntimeFactory
	registry   *Registry
}

func NewManager(newRuntime RuntimeFactory, registry *Registry, maxEventsPerSession int) *Manager {
	if maxEventsPerSession <= 0 {
		maxEventsPerSession = DefaultMaxEvents
	}
	return &Manager{
		sessions:   map[string]*Session{},
		maxEvents:  maxEventsPerSession,
		newRuntime: newRuntime,
		registry:   registry,
	}
}

func newSessionID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// CreateSession builds and starts a session. An empty id gets a random
// 12-character hex id; an explicit duplicate id is an error.
func (m *Manager) CreateSession(sessionID string) (*Session, error) {
	id := sessionID
	if id == "" {
		id = newSessionID()
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil, errors.New("服务正在停止，暂不允许创建会话。")
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("会话已存在：%s", id)
	}
	m.sessions[id] = nil
	m.mu.Unlock()

	runtime, err := m.newRuntime()
	if err != nil {
		m.mu.Lock()
		if existing, ok := m.sessions[id]; ok && existing == nil {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return nil, err
	}

	session := NewSession(id, runtime, m.registry, m.maxEvents)
	session.Start()

	m.mu.Lock()
	// StopAll may have run while this session was being built; publishing
	// it now would leave its worker unstopped.
	if m.stopping {
		delete(m.sessions, id)
		m.mu.Unlock()
		session.Stop()
		return nil, errors.New("服务正在停止，暂不允许创建会话。")
	}
	m.sessions[id] = session
	m.mu.Unlock()
	return session, nil
}

// GetSession returns a fully constructed session by id.
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	session := m.sessions[sessionID]
	m.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("会话不存在或仍在初始化：%s", sessionID)
	}
	return session, nil
}

// ListSessions snapshots the status of every live session.
func (m *Manager) ListSessions() []map[string]any {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// StopAll detaches and stops every session. Creates arriving after are
// rejected so no worker can outlive the teardown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.stopping = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}
