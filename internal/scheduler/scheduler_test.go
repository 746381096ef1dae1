package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkod-io/dk-server/internal/allowlist"
	"github.com/dkod-io/dk-server/internal/executor"
	"github.com/dkod-io/dk-server/internal/review"
	"github.com/dkod-io/dk-server/internal/semantic"
	"github.com/dkod-io/dk-server/pkg/model"
)

func wf(stages ...model.Stage) *model.Workflow {
	return &model.Workflow{Name: "t", Stages: stages}
}

func step(name string, required bool, run string) model.Step {
	return model.Step{Name: name, Kind: model.KindCommand, Run: run, Required: required, Timeout: 2 * time.Second}
}

func newScheduler(t *testing.T) (*Scheduler, *[]model.StepResult) {
	t.Helper()
	results := &[]model.StepResult{}
	var mu sync.Mutex
	sink := func(r model.StepResult) {
		mu.Lock()
		*results = append(*results, r)
		mu.Unlock()
	}
	s := New(executor.NewProcess(), allowlist.New(), semantic.NewRegistry(), nil, sink)
	return s, results
}

func TestSequentialStageStopsAfterRequiredFailure(t *testing.T) {
	s, _ := newScheduler(t)
	w := wf(
		model.Stage{Name: "build", Steps: []model.Step{step("compile", true, "false"), step("samestage", true, "echo hi")}},
		model.Stage{Name: "next", Steps: []model.Step{step("later", true, "echo later")}},
	)
	results := s.Run(context.Background(), w, StepContext{ChangedFiles: []string{"a.go"}})
	if len(results) != 2 {
		t.Fatalf("expected only the first stage's steps, got %+v", results)
	}
	if results[0].Status != model.StatusFail {
		t.Fatalf("compile status = %s", results[0].Status)
	}
}

func TestParallelStageRunsAllSiblingsEvenOnFailure(t *testing.T) {
	s, _ := newScheduler(t)
	w := wf(model.Stage{Name: "checks", Parallel: true, Steps: []model.Step{
		step("a", true, "false"),
		step("b", false, "echo ok"),
		step("c", false, "echo ok"),
	}})
	results := s.Run(context.Background(), w, StepContext{ChangedFiles: []string{"a.go"}})
	if len(results) != 3 {
		t.Fatalf("expected all siblings to run, got %d", len(results))
	}
}

func TestChangesetAwareStepSkippedWhenNoChangedFiles(t *testing.T) {
	s, _ := newScheduler(t)
	w := wf(model.Stage{Name: "build", Steps: []model.Step{
		{Name: "compile", Kind: model.KindCommand, Run: "echo hi", Required: true, ChangesetAware: true, Timeout: 2 * time.Second},
	}})
	results := s.Run(context.Background(), w, StepContext{})
	if results[0].Status != model.StatusSkip {
		t.Fatalf("status = %s", results[0].Status)
	}
}

func TestNonChangesetAwareStepRunsWithNoChangedFiles(t *testing.T) {
	s, _ := newScheduler(t)
	w := wf(model.Stage{Name: "build", Steps: []model.Step{step("compile", true, "echo hi")}})
	results := s.Run(context.Background(), w, StepContext{})
	if results[0].Status != model.StatusPass {
		t.Fatalf("status = %s", results[0].Status)
	}
}

func TestDisallowedCommandFailsWithoutRunning(t *testing.T) {
	s, _ := newScheduler(t)
	w := wf(model.Stage{Name: "build", Steps: []model.Step{step("danger", true, "rm -rf /tmp/x")}})
	results := s.Run(context.Background(), w, StepContext{ChangedFiles: []string{"a.go"}})
	if results[0].Status != model.StatusFail {
		t.Fatalf("status = %s", results[0].Status)
	}
}

type fakeReviewProvider struct{ verdict review.Verdict }

func (f fakeReviewProvider) Name() string { return "fake" }
func (f fakeReviewProvider) Review(ctx context.Context, req review.Request) (review.Response, error) {
	return review.Response{Verdict: f.verdict}, nil
}

func TestAgentReviewStepTranslatesVerdict(t *testing.T) {
	s := New(executor.NewProcess(), allowlist.New(), semantic.NewRegistry(), fakeReviewProvider{verdict: review.RequestChanges}, nil)
	w := wf(model.Stage{Name: "review", Steps: []model.Step{{Name: "ai", Kind: model.KindAgentReview, Required: true, Prompt: "check it"}}})
	results := s.Run(context.Background(), w, StepContext{ChangedFiles: []string{"a.go"}})
	if results[0].Status != model.StatusFail {
		t.Fatalf("status = %s", results[0].Status)
	}
}

func TestCommandOutputMasksInheritedSecrets(t *testing.T) {
	t.Setenv("DK_TEST_API_TOKEN", "sekrit-value-123")
	s, _ := newScheduler(t)
	w := wf(model.Stage{Name: "build", Steps: []model.Step{
		step("leak", true, "echo $DK_TEST_API_TOKEN"),
	}})
	results := s.Run(context.Background(), w, StepContext{ChangedFiles: []string{"a.go"}})
	if results[0].Status != model.StatusPass {
		t.Fatalf("status = %s, stderr = %s", results[0].Status, results[0].Stderr)
	}
	if strings.Contains(results[0].Stdout, "sekrit-value-123") {
		t.Fatalf("stdout leaked the secret: %q", results[0].Stdout)
	}
	if !strings.Contains(results[0].Stdout, "***") {
		t.Fatalf("expected masked output, got %q", results[0].Stdout)
	}
}

func TestHumanApproveSkippedWithoutApprover(t *testing.T) {
	s, _ := newScheduler(t)
	w := wf(model.Stage{Name: "gate", Steps: []model.Step{{Name: "sign-off", Kind: model.KindHumanApprove, Required: false}}})
	results := s.Run(context.Background(), w, StepContext{ChangedFiles: []string{"a.go"}})
	if results[0].Status != model.StatusSkip {
		t.Fatalf("status = %s", results[0].Status)
	}
}
