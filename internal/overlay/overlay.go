// Package overlay implements the per-session copy-on-write layer (C2): a
// map of relative path to pending content or tombstone, with size
// accounting. It has no persistence and is reset on process restart.
package overlay

import (
	"bytes"
	"sort"
	"sync"

	"github.com/dkod-io/dk-server/pkg/model"
)

// Overlay is a single-writer, many-reader map of path to pending state. It
// is owned exclusively by one Workspace.
type Overlay struct {
	mu         sync.RWMutex
	entries    map[string]model.OverlayEntry
	totalBytes int64
}

// New returns an empty Overlay.
func New() *Overlay {
	return &Overlay{entries: make(map[string]model.OverlayEntry)}
}

// Put records content for path. Identical content is idempotent: writing
// the same bytes twice does not change TotalBytes.
func (o *Overlay) Put(path string, content []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.entries[path]; ok && prev.Kind == model.Present {
		o.totalBytes -= int64(len(prev.Content))
	}
	cp := make([]byte, len(content))
	copy(cp, content)
	o.entries[path] = model.OverlayEntry{Kind: model.Present, Content: cp}
	o.totalBytes += int64(len(cp))
}

// Delete records a tombstone for path, even if it was not previously Present.
func (o *Overlay) Delete(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.entries[path]; ok && prev.Kind == model.Present {
		o.totalBytes -= int64(len(prev.Content))
	}
	o.entries[path] = model.OverlayEntry{Kind: model.Tombstone}
}

// Get returns the overlay's view of path: Present(bytes), Tombstone, or Absent.
func (o *Overlay) Get(path string) model.OverlayEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if e, ok := o.entries[path]; ok {
		return e
	}
	return model.OverlayEntry{Kind: model.Absent}
}

// ListPaths returns every path the overlay has an entry for (Present or
// Tombstone), in stable lexicographic order.
func (o *Overlay) ListPaths() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	paths := make([]string, 0, len(o.entries))
	for p := range o.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ModifiedPaths returns Present paths whose content differs from the
// corresponding base content (base returns nil, false if the path does not
// exist at the base commit). A Present entry whose content is
// byte-identical to the base is not "modified" — this resolves the
// Open Question in favor of a content-equality check, avoiding false
// positives from no-op writes.
func (o *Overlay) ModifiedPaths(base func(path string) ([]byte, bool)) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	paths := make([]string, 0, len(o.entries))
	for p, e := range o.entries {
		if e.Kind != model.Present {
			continue
		}
		if baseContent, ok := base(p); ok && bytes.Equal(baseContent, e.Content) {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// TotalBytes returns the sum of content lengths over Present entries.
func (o *Overlay) TotalBytes() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.totalBytes
}
