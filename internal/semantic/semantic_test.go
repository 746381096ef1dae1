package semantic

import (
	"context"
	"testing"
)

func TestNoNewUnsafeFlagsIntroducedUnsafe(t *testing.T) {
	cc := CheckContext{
		Before: Snapshot{Symbols: []Symbol{{Name: "f", Unsafe: false}}},
		After:  Snapshot{Symbols: []Symbol{{Name: "f", Unsafe: true}}},
	}
	findings, err := (NoNewUnsafe{}).Run(context.Background(), cc)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestNoBrokenCallTargets(t *testing.T) {
	cc := CheckContext{
		After: Snapshot{
			Symbols: []Symbol{{Name: "f"}},
			Calls:   []CallEdge{{Caller: "f", Callee: "missing"}},
		},
	}
	findings, err := (NoBrokenCallTargets{}).Run(context.Background(), cc)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestExprCheck(t *testing.T) {
	c := &ExprCheck{CheckName: "no-private-todo", Expression: "public == false || !unsafe", Message: "public unsafe symbol"}
	cc := CheckContext{After: Snapshot{Symbols: []Symbol{
		{Name: "Safe", Public: true, Unsafe: false},
		{Name: "Risky", Public: true, Unsafe: true},
	}}}
	findings, err := c.Run(context.Background(), cc)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 || findings[0].Symbol != "Risky" {
		t.Fatalf("findings = %+v", findings)
	}
}

func TestRegistryRunAll(t *testing.T) {
	r := NewRegistry()
	r.Register(NoNewUnsafe{})
	r.Register(NoBrokenCallTargets{})
	cc := CheckContext{After: Snapshot{Symbols: []Symbol{{Name: "f", Unsafe: true}}}}
	findings, err := r.RunAll(context.Background(), []string{"no-new-unsafe"}, cc)
	if err != nil {
		t.Fatal(err)
	}
	if !HasErrorFinding(findings) {
		t.Fatal("expected an error-severity finding")
	}
}
