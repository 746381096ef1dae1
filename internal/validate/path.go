// Package validate implements the request-validation layer (C7): path
// shape, size, and session-id checks every RPC handler runs before it
// touches any state.
package validate

import (
	"strings"

	"github.com/google/uuid"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
)

// MaxFileSize is the largest content a FileWrite (or a Submit change) may carry.
const MaxFileSize = 50 * 1024 * 1024

// FilePath rejects empty paths, paths starting with '/' or '\', paths
// containing a null byte, and any path component equal to "..". Leading
// dots and a component spelled "..." are accepted.
func FilePath(path string) error {
	if path == "" {
		return derrors.New(derrors.InvalidArgument, "path must not be empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return derrors.New(derrors.InvalidArgument, "path must be relative")
	}
	if strings.ContainsRune(path, 0) {
		return derrors.New(derrors.InvalidArgument, "path contains a null byte")
	}
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, part := range strings.Split(normalized, "/") {
		if part == ".." {
			return derrors.New(derrors.InvalidArgument, "path must not traverse above its root")
		}
	}
	return nil
}

// FileSize rejects content larger than MaxFileSize.
func FileSize(content []byte) error {
	if len(content) > MaxFileSize {
		return derrors.New(derrors.InvalidArgument, "content exceeds the maximum file size")
	}
	return nil
}

// SessionID parses a session identifier, failing with InvalidArgument on
// malformed input rather than letting a lookup silently miss.
func SessionID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, derrors.Wrap(derrors.InvalidArgument, "malformed session id", err)
	}
	return id, nil
}
