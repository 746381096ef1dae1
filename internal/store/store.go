// Package store defines the read-only object-store adapter (C1): the seam
// a Workspace uses to resolve base-commit content. The real version-control
// backend is an external collaborator per this design's Non-goals; this package
// only specifies and fakes the contract it must honor.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

// Store reads content-addressed blobs and tree entries at a base commit.
// A production implementation is backed by the `dk` CLI's underlying
// version-control tool; it is out of scope here.
type Store interface {
	// Get returns the content of path at commit, or a NotFound error.
	Get(ctx context.Context, commit, path string) ([]byte, error)
	// List returns every path at commit whose path has the given prefix, in
	// lexicographic order. An empty prefix lists the whole tree.
	List(ctx context.Context, commit, prefix string) ([]string, error)
}

// Memory is an in-memory Store, used in tests and as a default when no real
// backend is configured.
type Memory struct {
	mu      sync.RWMutex
	commits map[string]map[string][]byte
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{commits: make(map[string]map[string][]byte)}
}

// Seed installs the given file content under commit, for test setup.
func (m *Memory) Seed(commit string, files map[string][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.commits[commit]
	if !ok {
		tree = make(map[string][]byte)
		m.commits[commit] = tree
	}
	for path, content := range files {
		cp := make([]byte, len(content))
		copy(cp, content)
		tree[path] = cp
	}
}

func (m *Memory) Get(_ context.Context, commit, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree, ok := m.commits[commit]
	if !ok {
		return nil, derrors.New(derrors.NotFound, "unknown base commit")
	}
	content, ok := tree[path]
	if !ok {
		return nil, derrors.New(derrors.NotFound, "path not found at base commit")
	}
	cp := make([]byte, len(content))
	copy(cp, content)
	return cp, nil
}

func (m *Memory) List(_ context.Context, commit, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree := m.commits[commit]
	paths := make([]string, 0, len(tree))
	for p := range tree {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
