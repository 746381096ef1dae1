// Package session implements the Session manager (C5): create, touch,
// expire, and at-most-once snapshot retrieval for agent sessions. The
// clone-on-read discipline (never return a pointer into the locked map) is
// grounded directly on the Rust original's DashMap-entry-clone pattern.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkod-io/dk-server/internal/metrics"
	"github.com/dkod-io/dk-server/pkg/model"
)

// Store is the pluggable persistence seam for sessions (see DESIGN.md): a
// production deployment may back this with an external cache through the
// same interface. Manager is the in-process default implementation of it.
type Store interface {
	Create(agentID, codebase, intent, codebaseVersion string) model.Session
	Get(id uuid.UUID) (model.Session, bool)
	Touch(id uuid.UUID) bool
	Remove(id uuid.UUID)
	CleanupExpired() int
	TakeSnapshot(id uuid.UUID) (model.Snapshot, bool)
}

// Manager is the default in-process Store, backed by a mutex-guarded map.
type Manager struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]model.Session
	snapshots map[uuid.UUID]model.Snapshot
	timeout   time.Duration
	now       func() time.Time
	metrics   *metrics.Collector
}

// New returns a Manager that expires sessions idle for longer than timeout.
func New(timeout time.Duration) *Manager {
	return &Manager{
		sessions:  make(map[uuid.UUID]model.Session),
		snapshots: make(map[uuid.UUID]model.Snapshot),
		timeout:   timeout,
		now:       time.Now,
	}
}

// SetMetrics attaches a Collector whose session gauges/counters are kept
// in step with the map mutations below. Mirrors a r.SetMetrics(collector)
// wiring pattern in daemon.go.
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.mu.Lock()
	m.metrics = c
	m.mu.Unlock()
}

// Create inserts a new session with created_at == last_active == now.
func (m *Manager) Create(agentID, codebase, intent, codebaseVersion string) model.Session {
	now := m.now()
	s := model.Session{
		ID:              uuid.New(),
		AgentID:         agentID,
		Codebase:        codebase,
		Intent:          intent,
		CodebaseVersion: codebaseVersion,
		CreatedAt:       now,
		LastActive:      now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	return s
}

// Get returns a copy of the session, or false if it is unknown or expired.
// An expired session is removed (after snapshotting) before Get returns,
// so it is never visible to a subsequent lookup — expiry is atomic with
// respect to Get.
func (m *Manager) Get(id uuid.UUID) (model.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	if m.now().Sub(s.LastActive) > m.timeout {
		m.expireLocked(id, s)
		return model.Session{}, false
	}
	return s, true
}

// Touch updates last_active to now, reporting whether the session existed
// and was not expired.
func (m *Manager) Touch(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	if m.now().Sub(s.LastActive) > m.timeout {
		m.expireLocked(id, s)
		return false
	}
	s.LastActive = m.now()
	m.sessions[id] = s
	return true
}

// Remove deletes a session without recording a snapshot.
func (m *Manager) Remove(id uuid.UUID) {
	m.mu.Lock()
	delete(m.sessions, id)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
}

// CleanupExpired removes every session past its timeout, saving a snapshot
// for each before removal, and returns the count removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	now := m.now()
	for id, s := range m.sessions {
		if now.Sub(s.LastActive) > m.timeout {
			m.expireLocked(id, s)
			removed++
		}
	}
	return removed
}

// expireLocked must be called with mu held. It snapshots and removes s.
func (m *Manager) expireLocked(id uuid.UUID, s model.Session) {
	m.snapshots[id] = model.Snapshot{
		AgentID:         s.AgentID,
		Codebase:        s.Codebase,
		Intent:          s.Intent,
		CodebaseVersion: s.CodebaseVersion,
	}
	delete(m.sessions, id)
	if m.metrics != nil {
		m.metrics.SessionsExpired.Inc()
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
}

// TakeSnapshot consumes and returns the snapshot for id, if any. A second
// call for the same id returns false: retrieval is at-most-once.
func (m *Manager) TakeSnapshot(id uuid.UUID) (model.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return model.Snapshot{}, false
	}
	delete(m.snapshots, id)
	return snap, true
}
