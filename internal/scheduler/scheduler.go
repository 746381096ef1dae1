// Package scheduler runs a parsed workflow (C9) against a changeset: stages
// execute sequentially, steps within a stage run in parallel when the DSL
// marks the stage parallel, and a failed required step stops the pipeline
// after its stage finishes without forcibly cancelling in-flight siblings.
// Grounded on the nested-goroutine/semaphore shape of
// pkg/workflow/executor.go's executeParallel, replaced with
// golang.org/x/sync/errgroup's plain (non-context-cancelling) Group so a
// sibling step is never torn down mid-flight just because another step in
// the same stage failed.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkod-io/dk-server/internal/allowlist"
	"github.com/dkod-io/dk-server/internal/executor"
	"github.com/dkod-io/dk-server/internal/review"
	"github.com/dkod-io/dk-server/internal/semantic"
	"github.com/dkod-io/dk-server/pkg/model"
	"github.com/dkod-io/dk-server/pkg/secrets"
)

// newOutputMasker builds a Masker seeded from the daemon's own environment,
// so a command that echoes a credential it inherited (e.g. from a
// _TOKEN-suffixed env var) doesn't leak it into a StepResult, which is
// persisted and streamed back to a connected agent over RPC.
func newOutputMasker() *secrets.Masker {
	m := secrets.NewMasker()
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	m.AddSecretsFromEnv(env)
	return m
}

// ChangedFilesEnv is the environment variable a Command step observes with
// the newline-separated set of paths touched by the changeset under
// verification.
const ChangedFilesEnv = "DK_CHANGED_FILES"

// StepContext carries the data a single step's kind-specific dispatch
// needs: the working directory for Command steps, the before/after
// semantic snapshots for Semantic steps, and the changed-file list shared
// by all kinds.
type StepContext struct {
	WorkDir      string
	ChangedFiles []string
	SemanticCC   semantic.CheckContext
	ReviewReq    review.Request
	Approve      func(ctx context.Context, stageName, stepName string, timeout time.Duration) (bool, error)
}

// Scheduler executes a model.Workflow's stages in order, dispatching each
// step to the collaborator matching its Kind.
type Scheduler struct {
	Executor    executor.Executor
	Allowlist   *allowlist.List
	Semantic    *semantic.Registry
	Review      review.Provider
	Sink        func(model.StepResult)
}

// New builds a Scheduler. Sink receives StepResults in completion order as
// steps finish, which for a parallel stage may not match DSL declaration
// order.
func New(exec executor.Executor, list *allowlist.List, reg *semantic.Registry, rev review.Provider, sink func(model.StepResult)) *Scheduler {
	if sink == nil {
		sink = func(model.StepResult) {}
	}
	return &Scheduler{Executor: exec, Allowlist: list, Semantic: reg, Review: rev, Sink: sink}
}

// Run executes every stage of wf in order. It returns the full ordered list
// of StepResults (stage order, then step order within a stage) and stops
// advancing to the next stage once a stage contains a failed required
// step. It never returns an error itself; verification failure is
// reported through the StepResults' Status, matching the
// VerificationFailed classification living at the RPC layer, not here.
func (s *Scheduler) Run(ctx context.Context, wf *model.Workflow, sc StepContext) []model.StepResult {
	var all []model.StepResult
	for _, stage := range wf.Stages {
		results := s.runStage(ctx, stage, sc)
		all = append(all, results...)
		if stageFailedRequired(stage, results) {
			break
		}
	}
	return all
}

func stageFailedRequired(stage model.Stage, results []model.StepResult) bool {
	required := make(map[string]bool, len(stage.Steps))
	for _, step := range stage.Steps {
		required[step.Name] = step.Required
	}
	for _, r := range results {
		if required[r.StepName] && r.Status != model.StatusPass && r.Status != model.StatusSkip {
			return true
		}
	}
	return false
}

func (s *Scheduler) runStage(ctx context.Context, stage model.Stage, sc StepContext) []model.StepResult {
	if !stage.Parallel {
		results := make([]model.StepResult, 0, len(stage.Steps))
		for i, step := range stage.Steps {
			r := s.runStep(ctx, stage.Name, step, i, sc)
			s.Sink(r)
			results = append(results, r)
		}
		return results
	}

	var mu sync.Mutex
	results := make([]model.StepResult, 0, len(stage.Steps))
	var g errgroup.Group
	for i, step := range stage.Steps {
		i, step := i, step
		g.Go(func() error {
			r := s.runStep(ctx, stage.Name, step, i, sc)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			s.Sink(r)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(a, b int) bool { return results[a].StepOrder < results[b].StepOrder })
	return results
}

func (s *Scheduler) runStep(ctx context.Context, stageName string, step model.Step, order int, sc StepContext) model.StepResult {
	start := time.Now()
	result := model.StepResult{StageName: stageName, StepName: step.Name, StepOrder: order}

	if step.ChangesetAware && len(sc.ChangedFiles) == 0 {
		result.Status = model.StatusSkip
		result.Stdout = "skipped: changeset-aware step with no changed files"
		result.Duration = time.Since(start)
		return result
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = model.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch step.Kind {
	case model.KindCommand:
		result = s.runCommand(stepCtx, step, order, sc, start)
	case model.KindSemantic:
		result = s.runSemantic(stepCtx, step, order, sc, start)
	case model.KindAgentReview:
		result = s.runAgentReview(stepCtx, step, order, sc, start)
	case model.KindHumanApprove:
		result = s.runHumanApprove(stepCtx, stageName, step, order, sc, start)
	default:
		result.Status = model.StatusFail
		result.Stderr = fmt.Sprintf("unknown step kind %q", step.Kind)
		result.Duration = time.Since(start)
	}
	result.StageName = stageName
	return result
}

func (s *Scheduler) runCommand(ctx context.Context, step model.Step, order int, sc StepContext, start time.Time) model.StepResult {
	result := model.StepResult{StepName: step.Name, StepOrder: order}
	if err := s.Allowlist.Check(step.Run); err != nil {
		result.Status = model.StatusFail
		result.Stderr = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = model.DefaultStepTimeout
	}
	env := map[string]string{ChangedFilesEnv: strings.Join(sc.ChangedFiles, "\n")}
	out, err := s.Executor.Run(ctx, step.Run, sc.WorkDir, timeout, env)
	masker := newOutputMasker()
	result.Status = out.Status
	result.Stdout = masker.Mask(out.Stdout)
	result.Stderr = masker.Mask(out.Stderr)
	result.Duration = time.Since(start)
	if err != nil && result.Status == "" {
		result.Status = model.StatusFail
		result.Stderr = err.Error()
	}
	return result
}

func (s *Scheduler) runSemantic(ctx context.Context, step model.Step, order int, sc StepContext, start time.Time) model.StepResult {
	result := model.StepResult{StepName: step.Name, StepOrder: order}
	findings, err := s.Semantic.RunAll(ctx, step.Checks, sc.SemanticCC)
	result.Findings = findings
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Status = model.StatusFail
		result.Stderr = err.Error()
	case semantic.HasErrorFinding(findings):
		result.Status = model.StatusFail
	default:
		result.Status = model.StatusPass
	}
	return result
}

func (s *Scheduler) runAgentReview(ctx context.Context, step model.Step, order int, sc StepContext, start time.Time) model.StepResult {
	result := model.StepResult{StepName: step.Name, StepOrder: order}
	if s.Review == nil {
		result.Status = model.StatusFail
		result.Stderr = "no agent-review provider configured"
		result.Duration = time.Since(start)
		return result
	}
	req := sc.ReviewReq
	if step.Prompt != "" {
		req.Intent = step.Prompt
	}
	resp, err := s.Review.Review(ctx, req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = model.StatusFail
		result.Stderr = err.Error()
		return result
	}
	result.Findings = resp.Findings
	result.Stdout = resp.Summary
	if resp.Verdict == review.RequestChanges {
		result.Status = model.StatusFail
	} else {
		result.Status = model.StatusPass
	}
	return result
}

func (s *Scheduler) runHumanApprove(ctx context.Context, stageName string, step model.Step, order int, sc StepContext, start time.Time) model.StepResult {
	result := model.StepResult{StepName: step.Name, StepOrder: order}
	if sc.Approve == nil {
		result.Status = model.StatusSkip
		result.Duration = time.Since(start)
		return result
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = model.DefaultStepTimeout
	}
	approved, err := sc.Approve(ctx, stageName, step.Name, timeout)
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		result.Status = model.StatusTimeout
		result.Stderr = err.Error()
	case approved:
		result.Status = model.StatusPass
	default:
		result.Status = model.StatusFail
	}
	return result
}
