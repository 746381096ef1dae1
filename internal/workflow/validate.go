package workflow

import (
	"fmt"

	"github.com/dkod-io/dk-server/internal/allowlist"
	derrors "github.com/dkod-io/dk-server/pkg/errors"
	"github.com/dkod-io/dk-server/pkg/model"
)

// ValidateCommands checks every Command step's Run against list, failing
// fast on the first rejection. This is the workflow-level half of
// this design's "every command must pass the allowlist" rule; the
// scheduler re-checks at execution time as defense in depth (the command
// allowlist must reject before any process is spawned, per §8's testable
// properties, regardless of which call site is reached first).
func ValidateCommands(wf *model.Workflow, list *allowlist.List) error {
	for _, stage := range wf.Stages {
		for _, step := range stage.Steps {
			if step.Kind != model.KindCommand {
				continue
			}
			if err := list.Check(step.Run); err != nil {
				return derrors.Wrap(derrors.InvalidArgument,
					fmt.Sprintf("stage %q step %q: command rejected by allowlist", stage.Name, step.Name), err)
			}
		}
	}
	return nil
}
