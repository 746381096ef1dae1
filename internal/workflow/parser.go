// Package workflow parses the declarative pipeline/stage/step document
// (C9): a [pipeline] table and repeated [[stage]] / [[stage.step]]
// tables, parsed here with github.com/pelletier/go-toml/v2.
package workflow

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml/v2"

	derrors "github.com/dkod-io/dk-server/pkg/errors"
	"github.com/dkod-io/dk-server/pkg/model"
)

// rawFile mirrors the TOML document shape before duration strings and step
// kinds are resolved into pkg/model types.
type rawFile struct {
	Pipeline rawPipeline `toml:"pipeline"`
	Stage    []rawStage  `toml:"stage"`
}

type rawPipeline struct {
	Name    string `toml:"name"`
	Timeout string `toml:"timeout"`
}

type rawStage struct {
	Name     string    `toml:"name"`
	Parallel bool      `toml:"parallel"`
	Step     []rawStep `toml:"step"`
}

type rawStep struct {
	Name           string   `toml:"name"`
	Run            string   `toml:"run"`
	Type           string   `toml:"type"`
	Timeout        string   `toml:"timeout"`
	ChangesetAware bool     `toml:"changeset_aware"`
	Required       *bool    `toml:"required"`
	Check          []string `toml:"check"`
	Prompt         string   `toml:"prompt"`
}

// Parse decodes a TOML workflow document and validates it: type inference
// for omitted `type`, required fields per kind, duration parsing, unique
// step names per stage, and non-empty stage list.
func Parse(doc []byte) (*model.Workflow, error) {
	var raw rawFile
	if err := toml.Unmarshal(doc, &raw); err != nil {
		return nil, derrors.Wrap(derrors.InvalidArgument, "parsing workflow document", err)
	}

	pipelineTimeout := model.DefaultStepTimeout
	if raw.Pipeline.Timeout != "" {
		d, err := time.ParseDuration(raw.Pipeline.Timeout)
		if err != nil {
			return nil, derrors.Wrap(derrors.InvalidArgument, "parsing pipeline timeout", err)
		}
		pipelineTimeout = d
	}
	if raw.Pipeline.Name == "" {
		return nil, derrors.New(derrors.InvalidArgument, "pipeline.name is required")
	}
	if len(raw.Stage) == 0 {
		return nil, derrors.New(derrors.InvalidArgument, "workflow must declare at least one stage")
	}

	wf := &model.Workflow{Name: raw.Pipeline.Name, Timeout: pipelineTimeout}
	for _, rs := range raw.Stage {
		stage, err := resolveStage(rs)
		if err != nil {
			return nil, err
		}
		wf.Stages = append(wf.Stages, stage)
	}
	return wf, nil
}

func resolveStage(rs rawStage) (model.Stage, error) {
	if rs.Name == "" {
		return model.Stage{}, derrors.New(derrors.InvalidArgument, "stage.name is required")
	}
	if len(rs.Step) == 0 {
		return model.Stage{}, derrors.New(derrors.InvalidArgument, fmt.Sprintf("stage %q must declare at least one step", rs.Name))
	}
	seen := make(map[string]bool, len(rs.Step))
	stage := model.Stage{Name: rs.Name, Parallel: rs.Parallel}
	for _, step := range rs.Step {
		if seen[step.Name] {
			return model.Stage{}, derrors.New(derrors.InvalidArgument, fmt.Sprintf("duplicate step name %q in stage %q", step.Name, rs.Name))
		}
		seen[step.Name] = true
		resolved, err := resolveStep(step)
		if err != nil {
			return model.Stage{}, err
		}
		stage.Steps = append(stage.Steps, resolved)
	}
	return stage, nil
}

func resolveStep(rs rawStep) (model.Step, error) {
	if rs.Name == "" {
		return model.Step{}, derrors.New(derrors.InvalidArgument, "step.name is required")
	}

	kindName := rs.Type
	if kindName == "" {
		if rs.Run != "" {
			kindName = string(model.KindCommand)
		} else {
			return model.Step{}, derrors.New(derrors.InvalidArgument, fmt.Sprintf("step %q: type is required when run is absent", rs.Name))
		}
	}

	var kind model.StepKind
	switch kindName {
	case string(model.KindCommand):
		kind = model.KindCommand
	case string(model.KindSemantic):
		if len(rs.Check) == 0 {
			return model.Step{}, derrors.New(derrors.InvalidArgument, fmt.Sprintf("step %q: semantic type requires non-empty check", rs.Name))
		}
		kind = model.KindSemantic
	case string(model.KindAgentReview):
		if rs.Prompt == "" {
			return model.Step{}, derrors.New(derrors.InvalidArgument, fmt.Sprintf("step %q: agent-review type requires prompt", rs.Name))
		}
		kind = model.KindAgentReview
	case string(model.KindHumanApprove):
		kind = model.KindHumanApprove
	default:
		return model.Step{}, derrors.New(derrors.InvalidArgument, fmt.Sprintf("step %q: unknown type %q", rs.Name, kindName))
	}

	timeout := model.DefaultStepTimeout
	if rs.Timeout != "" {
		d, err := time.ParseDuration(rs.Timeout)
		if err != nil {
			return model.Step{}, derrors.Wrap(derrors.InvalidArgument, fmt.Sprintf("step %q: parsing timeout", rs.Name), err)
		}
		timeout = d
	}

	required := true
	if rs.Required != nil {
		required = *rs.Required
	}

	return model.Step{
		Name:           rs.Name,
		Kind:           kind,
		Run:            rs.Run,
		Checks:         rs.Check,
		Prompt:         rs.Prompt,
		Timeout:        timeout,
		Required:       required,
		ChangesetAware: rs.ChangesetAware,
	}, nil
}
