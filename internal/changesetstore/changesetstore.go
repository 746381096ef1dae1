// Package changesetstore defines the ChangesetStore capability: the
// persistent-metadata seam (symbols, call graph, changesets) that this design
// treats as an external collaborator. It provides an in-memory
// implementation for tests and a modernc.org/sqlite-backed implementation
// for single-process persistence.
package changesetstore

import (
	"context"

	"github.com/google/uuid"
)

// Changeset is the record a Workspace materializes on finalize.
type Changeset struct {
	ID              uuid.UUID
	RepoID          string
	FilesModified   []string
	SymbolsModified []string
}

// Store is the pluggable capability a Workspace uses to persist a finalized
// changeset. Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new changeset and returns its id.
	Create(ctx context.Context, repoID string, filesModified []string) (uuid.UUID, error)
	// Get returns a previously created changeset.
	Get(ctx context.Context, id uuid.UUID) (*Changeset, error)
}
