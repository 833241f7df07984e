package server

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/tether/pkg/transport"
)

// SessionManager is the registry of live sessions. Id allocation and
// insertion happen under one lock, so two concurrent creates never share an
// id. Removed ids are retired and never handed out again.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	retired  map[int64]struct{}
	closed   bool

	key    []byte
	ids    *IDAllocator
	logger *slog.Logger

	// Metrics
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	peakSessions int

	// Callbacks
	onSessionCreate func(*Session)
	onSessionClose  func(*Session)
}

// ManagerStats contains registry statistics.
type ManagerStats struct {
	Active       int    `json:"active"`
	Peak         int    `json:"peak"`
	Retired      int    `json:"retired"`
	TotalCreated uint64 `json:"total_created"`
	TotalClosed  uint64 `json:"total_closed"`
	Closed       bool   `json:"closed"`
}

// NewSessionManager creates a registry that hands every session a copy of
// key and allocates ids from [0, maxID].
func NewSessionManager(key []byte, maxID int64, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[int64]*Session),
		retired:  make(map[int64]struct{}),
		key:      append([]byte(nil), key...),
		ids:      NewIDAllocator(maxID),
		logger:   logger.With("component", "session_manager"),
	}
}

// Create allocates an id, constructs a Session owning conn and registers it.
// It fails with ErrManagerClosed after Shutdown and ErrIDSpaceExhausted when
// no id is free. On failure conn is not touched.
func (sm *SessionManager) Create(conn transport.Conn, remoteAddr string) (*Session, error) {
	if conn == nil {
		return nil, ErrNilConn
	}

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrManagerClosed
	}
	id, err := sm.ids.Next(sm.takenLocked)
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	session := newSession(id, sm.key, conn, remoteAddr, sm.logger)
	sm.sessions[id] = session
	sm.totalCreated.Add(1)
	if len(sm.sessions) > sm.peakSessions {
		sm.peakSessions = len(sm.sessions)
	}
	active := len(sm.sessions)
	onCreate := sm.onSessionCreate
	sm.mu.Unlock()

	if onCreate != nil {
		onCreate(session)
	}
	sm.logger.Info("session created",
		"session_id", id,
		"remote_addr", remoteAddr,
		"active_sessions", active)
	return session, nil
}

func (sm *SessionManager) takenLocked(id int64) bool {
	if _, ok := sm.sessions[id]; ok {
		return true
	}
	_, ok := sm.retired[id]
	return ok
}

// Get returns the live session with the given id, or nil.
func (sm *SessionManager) Get(id int64) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Remove deregisters the session, retires its id and shuts it down. It
// reports whether the id was registered.
func (sm *SessionManager) Remove(id int64) bool {
	sm.mu.Lock()
	session, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
		sm.retired[id] = struct{}{}
	}
	onClose := sm.onSessionClose
	sm.mu.Unlock()

	if !ok {
		return false
	}
	sm.finish(session, onClose)
	sm.logger.Info("session removed", "session_id", id, "active_sessions", sm.Count())
	return true
}

// Close removes a session on behalf of an operator. It returns
// ErrSessionNotFound if the id is not live.
func (sm *SessionManager) Close(id int64) error {
	if !sm.Remove(id) {
		return newSessionError(id, "close", ErrSessionNotFound)
	}
	return nil
}

func (sm *SessionManager) finish(session *Session, onClose func(*Session)) {
	session.Shutdown()
	sm.totalClosed.Add(1)
	if onClose != nil {
		onClose(session)
	}
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// ForEach calls fn for each live session until fn returns false. The
// registry lock is not held while fn runs.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}

// Snapshot returns stats for every live session ordered by id.
func (sm *SessionManager) Snapshot() []SessionStats {
	out := make([]SessionStats, 0, sm.Count())
	sm.ForEach(func(s *Session) bool {
		out = append(out, s.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns registry statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return ManagerStats{
		Active:       len(sm.sessions),
		Peak:         sm.peakSessions,
		Retired:      len(sm.retired),
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Closed:       sm.closed,
	}
}

// SetOnSessionCreate sets a callback run after a session is registered.
func (sm *SessionManager) SetOnSessionCreate(fn func(*Session)) {
	sm.mu.Lock()
	sm.onSessionCreate = fn
	sm.mu.Unlock()
}

// SetOnSessionClose sets a callback run after a session is removed and shut
// down.
func (sm *SessionManager) SetOnSessionClose(fn func(*Session)) {
	sm.mu.Lock()
	sm.onSessionClose = fn
	sm.mu.Unlock()
}

// IsClosed reports whether Shutdown has run.
func (sm *SessionManager) IsClosed() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.closed
}

// Shutdown refuses further creates, then removes and shuts down every live
// session. When it returns the registry is empty.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		sessions = append(sessions, s)
		sm.retired[id] = struct{}{}
	}
	clear(sm.sessions)
	onClose := sm.onSessionClose
	sm.mu.Unlock()

	for _, s := range sessions {
		sm.finish(s, onClose)
	}
	if len(sessions) > 0 {
		sm.logger.Info("session manager shut down", "closed_sessions", len(sessions))
	}
}
