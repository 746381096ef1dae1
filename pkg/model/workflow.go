package model

import "time"

// StepKind is the discriminant of a workflow Step.
type StepKind string

const (
	KindCommand     StepKind = "command"
	KindSemantic    StepKind = "semantic"
	KindAgentReview StepKind = "agent-review"
	KindHumanApprove StepKind = "human-approve"
)

// Step is one unit of work inside a Stage.
type Step struct {
	Name           string
	Kind           StepKind
	Run            string
	Checks         []string
	Prompt         string
	Timeout        time.Duration
	Required       bool
	ChangesetAware bool
}

// Stage groups Steps that either run sequentially or, when Parallel, all at once.
type Stage struct {
	Name     string
	Parallel bool
	Steps    []Step
}

// Workflow is a named, timed pipeline of Stages.
type Workflow struct {
	Name    string
	Timeout time.Duration
	Stages  []Stage
}

// DefaultStepTimeout is used when a step omits an explicit timeout.
const DefaultStepTimeout = 10 * time.Minute
