package workflow

import (
	"os"
	"path/filepath"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
	"github.com/dkod-io/dk-server/pkg/model"
)

// Resolver returns the parsed Workflow Verify should run for a given
// codebase. this design names Verify(session) with no workflow argument,
// leaving the question of where the document comes from unanswered; this
// is resolved here by keying workflow documents off the codebase name the
// session connected with.
type Resolver interface {
	Resolve(codebase string) (*model.Workflow, error)
}

// FileResolver loads workflow documents from a directory: `<dir>/<codebase>.toml`,
// falling back to `<dir>/default.toml` when no codebase-specific document
// exists. Parsed workflows are not cached — a document edited on disk takes
// effect on the next Verify.
type FileResolver struct {
	Dir string
}

// NewFileResolver returns a Resolver rooted at dir.
func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{Dir: dir}
}

func (r *FileResolver) Resolve(codebase string) (*model.Workflow, error) {
	path := filepath.Join(r.Dir, codebase+".toml")
	doc, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		path = filepath.Join(r.Dir, "default.toml")
		doc, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.NotFound, "no workflow document for codebase "+codebase, err)
	}
	return Parse(doc)
}

// StaticResolver serves a single in-memory Workflow regardless of codebase,
// useful for tests and single-pipeline deployments.
type StaticResolver struct {
	Workflow *model.Workflow
}

func (r StaticResolver) Resolve(string) (*model.Workflow, error) {
	if r.Workflow == nil {
		return nil, derrors.New(derrors.NotFound, "no workflow configured")
	}
	return r.Workflow, nil
}
