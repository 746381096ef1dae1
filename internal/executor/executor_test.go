package executor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dkod-io/dk-server/pkg/model"
)

func TestRunEchoPasses(t *testing.T) {
	p := NewProcess()
	out, err := p.Run(context.Background(), "echo hello", ".", 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.StatusPass {
		t.Fatalf("status = %v, want pass", out.Status)
	}
	if out.Stdout != "hello\n" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
}

func TestRunFalseFails(t *testing.T) {
	p := NewProcess()
	out, err := p.Run(context.Background(), "false", ".", 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.StatusFail {
		t.Fatalf("status = %v, want fail", out.Status)
	}
}

func TestRunTimeout(t *testing.T) {
	p := NewProcess()
	start := time.Now()
	out, err := p.Run(context.Background(), "sleep 10", ".", 100*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.StatusTimeout {
		t.Fatalf("status = %v, want timeout", out.Status)
	}
	if time.Since(start) >= 2*time.Second {
		t.Fatal("timeout took too long to be enforced")
	}
}

func TestEnvScrubThenOverlay(t *testing.T) {
	os.Setenv("DK_SHOULD_NOT_LEAK", "leaked")
	defer os.Unsetenv("DK_SHOULD_NOT_LEAK")

	p := NewProcess()
	out, err := p.Run(context.Background(), "echo $DK_SHOULD_NOT_LEAK:$DK_TEST_VAR", ".", 5*time.Second,
		map[string]string{"DK_TEST_VAR": "injected"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Stdout != ":injected\n" {
		t.Fatalf("stdout = %q, want unset host var and injected caller var", out.Stdout)
	}
}

func TestContainerExecutorSkipsWhenNotConfigured(t *testing.T) {
	c := NewContainer(false, NewProcess())
	out, err := c.Run(context.Background(), "echo hi", ".", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.StatusSkip {
		t.Fatalf("status = %v, want skip", out.Status)
	}
}
