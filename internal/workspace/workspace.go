// Package workspace implements the Workspace (C3): the binding of
// (repo, base commit, changeset-id, overlay) that serves read/list
// operations by layering the overlay over the base tree.
package workspace

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/dkod-io/dk-server/internal/changesetstore"
	"github.com/dkod-io/dk-server/internal/overlay"
	"github.com/dkod-io/dk-server/internal/store"
	derrors "github.com/dkod-io/dk-server/pkg/errors"
	"github.com/dkod-io/dk-server/pkg/model"
)

// Workspace binds a session's overlay to a repository and an immutable
// base commit. base_commit never changes for the workspace's lifetime.
type Workspace struct {
	RepoID      string
	SessionID   uuid.UUID
	BaseCommit  string
	ChangesetID uuid.UUID

	store    store.Store
	overlay  *overlay.Overlay
	changesets changesetstore.Store
}

// New creates a Workspace over the given store at base commit. ChangesetID
// is assigned when the workspace is constructed so callers can reference it
// before anything has been submitted; Submit later finalizes the real
// changeset content via FinalizeChangeset.
func New(sessionID uuid.UUID, repoID, baseCommit string, st store.Store, cs changesetstore.Store) *Workspace {
	return &Workspace{
		RepoID:      repoID,
		SessionID:   sessionID,
		BaseCommit:  baseCommit,
		ChangesetID: uuid.New(),
		store:       st,
		overlay:     overlay.New(),
		changesets:  cs,
	}
}

// ReadResult is the normalized response to a file read.
type ReadResult struct {
	Content           []byte
	ModifiedInSession bool
}

// ReadFile resolves path: overlay Present wins, overlay Tombstone is
// not-found, otherwise the base tree is consulted.
func (w *Workspace) ReadFile(ctx context.Context, path string) (ReadResult, error) {
	entry := w.overlay.Get(path)
	switch entry.Kind {
	case model.Present:
		return ReadResult{Content: entry.Content, ModifiedInSession: true}, nil
	case model.Tombstone:
		return ReadResult{}, derrors.New(derrors.NotFound, "file was deleted in this session")
	}
	content, err := w.store.Get(ctx, w.BaseCommit, path)
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Content: content, ModifiedInSession: false}, nil
}

// WriteFile records content in the overlay. Callers are responsible for
// publishing the resulting FileWritten event.
func (w *Workspace) WriteFile(path string, content []byte) {
	w.overlay.Put(path, content)
}

// DeleteFile records a tombstone in the overlay.
func (w *Workspace) DeleteFile(path string) {
	w.overlay.Delete(path)
}

// ListFiles returns the workspace's view of the tree. When onlyModified,
// only overlay paths with content that differs from the base (by content
// equality) are returned; otherwise the union of base-tree paths (minus
// tombstones) and overlay Present paths, filtered by prefix, in
// lexicographic order.
func (w *Workspace) ListFiles(ctx context.Context, onlyModified bool, prefix string) ([]model.FileEntry, error) {
	if onlyModified {
		modified := w.overlay.ModifiedPaths(func(path string) ([]byte, bool) {
			content, err := w.store.Get(ctx, w.BaseCommit, path)
			if err != nil {
				return nil, false
			}
			return content, true
		})
		entries := make([]model.FileEntry, 0, len(modified))
		for _, p := range modified {
			entries = append(entries, model.FileEntry{Path: p, ModifiedInSession: true})
		}
		return entries, nil
	}

	basePaths, err := w.store.List(ctx, w.BaseCommit, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(basePaths))
	entries := make([]model.FileEntry, 0, len(basePaths))
	for _, p := range basePaths {
		if e := w.overlay.Get(p); e.Kind == model.Tombstone {
			continue
		}
		seen[p] = true
		_, modified := w.overlayModified(p)
		entries = append(entries, model.FileEntry{Path: p, ModifiedInSession: modified})
	}
	for _, p := range w.overlay.ListPaths() {
		if seen[p] {
			continue
		}
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if e := w.overlay.Get(p); e.Kind == model.Present {
			entries = append(entries, model.FileEntry{Path: p, ModifiedInSession: true})
		}
	}
	sortFileEntries(entries)
	return entries, nil
}

func (w *Workspace) overlayModified(path string) (model.OverlayEntry, bool) {
	e := w.overlay.Get(path)
	return e, e.Kind == model.Present
}

func sortFileEntries(entries []model.FileEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Path < entries[j-1].Path; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// ModifiedPaths returns every path the overlay has Present content for,
// regardless of content equality with base — used by SessionStatus, which
// wants "files touched this session" rather than the stricter
// only_modified listing semantics.
func (w *Workspace) ModifiedPaths() []string {
	var out []string
	for _, p := range w.overlay.ListPaths() {
		if e := w.overlay.Get(p); e.Kind == model.Present {
			out = append(out, p)
		}
	}
	return out
}

// OverlaySizeBytes returns the overlay's current total content size.
func (w *Workspace) OverlaySizeBytes() int64 {
	return w.overlay.TotalBytes()
}

// FinalizeChangeset creates a changeset in the changeset store listing the
// overlay's Present paths (see ModifiedPaths), records its id as
// ChangesetID, and returns it. File content and tombstones are not passed
// to the changeset store.
func (w *Workspace) FinalizeChangeset(ctx context.Context) (uuid.UUID, error) {
	id, err := w.changesets.Create(ctx, w.RepoID, w.ModifiedPaths())
	if err != nil {
		return uuid.Nil, err
	}
	w.ChangesetID = id
	return id, nil
}
