// Package call runs the media side of voice and video calls: permission
// probe, relay join, local publish, mute and camera toggles, and teardown.
// Transport specifics stay behind the Relay and Permissions interfaces.
package call

import (
	"context"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rtcore/call")

// Deps are the collaborators every session borrows.
type Deps struct {
	Permissions Permissions
	Login       Login
	Tokens      TokenSource
	Relay       Relay
}

// Manager tracks the live session per call channel.
type Manager struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, sessions: make(map[string]*Session)}
}

// Start creates a session for cfg and joins it. A session already live on
// the same channel is left first.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Session, error) {
	s := newSession(cfg, m.deps, m.removeSession)

	m.mu.Lock()
	old := m.sessions[cfg.Channel]
	m.sessions[cfg.Channel] = s
	m.mu.Unlock()

	if old != nil {
		log.Infof("CALL [%s]: replacing live session", cfg.Channel)
		_ = old.Leave()
	}
	if err := s.Join(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession returns the live session for channel, if any.
func (m *Manager) GetSession(channel string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[channel]
	m.mu.RUnlock()
	return s, ok
}

// Channels lists channels with a live session.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.sessions))
	for ch := range m.sessions {
		out = append(out, ch)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// LeaveAll ends every session.
func (m *Manager) LeaveAll() {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		_ = s.Leave()
	}
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if m.sessions[s.cfg.Channel] == s {
		delete(m.sessions, s.cfg.Channel)
	}
	m.mu.Unlock()
}
