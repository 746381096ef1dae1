// Package workspacemgr implements the Workspace manager (C4): a
// session-id to Workspace map, safe for concurrent access from many RPCs
// and many sessions at once.
package workspacemgr

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dkod-io/dk-server/internal/changesetstore"
	"github.com/dkod-io/dk-server/internal/store"
	"github.com/dkod-io/dk-server/internal/workspace"
	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

// Codebase is the (repo id, base commit) pair a codebase name resolves to.
type Codebase struct {
	RepoID     string
	BaseCommit string
}

// CodebaseResolver maps the codebase name an agent passes to Connect onto
// the (repoID, baseCommit) pair Workspace.New needs. this design's Connect
// contract takes a bare `codebase` string and leaves how it maps to a
// repository and commit as an external-collaborator concern (§9); a
// production deployment would resolve this against the embedded
// object-store adapter's own notion of "current commit" for a repo.
type CodebaseResolver interface {
	Resolve(codebase string) (Codebase, error)
}

// StaticResolver resolves a fixed set of codebase names configured at
// daemon startup.
type StaticResolver map[string]Codebase

func (r StaticResolver) Resolve(codebase string) (Codebase, error) {
	cb, ok := r[codebase]
	if !ok {
		return Codebase{}, derrors.New(derrors.NotFound, "unknown codebase: "+codebase)
	}
	return cb, nil
}

// Manager maps session-id to Workspace.
type Manager struct {
	mu         sync.RWMutex
	bySession  map[uuid.UUID]*workspace.Workspace
	store      store.Store
	changesets changesetstore.Store
}

// New returns an empty Manager backed by the given object store and
// changeset store; every Workspace it creates shares these two.
func New(st store.Store, cs changesetstore.Store) *Manager {
	return &Manager{
		bySession:  make(map[uuid.UUID]*workspace.Workspace),
		store:      st,
		changesets: cs,
	}
}

// Create binds a new Workspace to sessionID. Each session owns at most one
// workspace; Create replaces any prior workspace for the same session.
func (m *Manager) Create(sessionID uuid.UUID, repoID, baseCommit string) *workspace.Workspace {
	ws := workspace.New(sessionID, repoID, baseCommit, m.store, m.changesets)
	m.mu.Lock()
	m.bySession[sessionID] = ws
	m.mu.Unlock()
	return ws
}

// Get returns the workspace bound to sessionID, or nil if none exists.
func (m *Manager) Get(sessionID uuid.UUID) *workspace.Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySession[sessionID]
}

// Drop removes the workspace bound to sessionID, if any.
func (m *Manager) Drop(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.bySession, sessionID)
	m.mu.Unlock()
}

// ActiveOtherSessions counts workspaces bound to repoID other than exclude.
func (m *Manager) ActiveOtherSessions(repoID string, exclude uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for sid, ws := range m.bySession {
		if sid == exclude {
			continue
		}
		if ws.RepoID == repoID {
			count++
		}
	}
	return count
}
