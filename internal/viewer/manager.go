package viewer

import (
	"context"
	"sync"

	"github.com/jun/doclock/internal/model"
)

// Manager keeps at most one open session and replaces it when the handle changes.
type Manager struct {
	mu     sync.Mutex
	remote Remote
	opts   []Option
	cur    *Session
}

func NewManager(remote Remote, opts ...Option) *Manager {
	return &Manager{remote: remote, opts: opts}
}

// Switch returns the session for h. A session for another handle is closed
// first, so none of its late results can reach the new one. A fresh session
// starts fetching view info immediately.
func (m *Manager) Switch(ctx context.Context, h model.DocumentHandle) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.Handle() == h {
		return m.cur, nil
	}
	if m.cur != nil {
		m.cur.Close()
		m.cur = nil
	}
	s, err := Open(m.remote, h, m.opts...)
	if err != nil {
		return nil, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		s.Close()
		return nil, err
	}
	m.cur = s
	return s, nil
}

// Current returns the open session, or nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Close closes the open session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.Close()
		m.cur = nil
	}
}
