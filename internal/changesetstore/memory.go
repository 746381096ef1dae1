package changesetstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

// InMemory is the default Store: changesets live only as long as the process.
type InMemory struct {
	mu         sync.RWMutex
	changesets map[uuid.UUID]*Changeset
}

// NewInMemory returns an empty in-memory Store.
func NewInMemory() *InMemory {
	return &InMemory{changesets: make(map[uuid.UUID]*Changeset)}
}

func (s *InMemory) Create(_ context.Context, repoID string, filesModified []string) (uuid.UUID, error) {
	id := uuid.New()
	cp := make([]string, len(filesModified))
	copy(cp, filesModified)
	s.mu.Lock()
	s.changesets[id] = &Changeset{ID: id, RepoID: repoID, FilesModified: cp}
	s.mu.Unlock()
	return id, nil
}

func (s *InMemory) Get(_ context.Context, id uuid.UUID) (*Changeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.changesets[id]
	if !ok {
		return nil, derrors.New(derrors.NotFound, "unknown changeset")
	}
	return cs, nil
}
