package semantic

import (
	"context"

	"github.com/dkod-io/dk-server/pkg/model"
)

// NoNewUnsafe flags symbols that became unsafe in After but were not unsafe
// (or did not exist) in Before.
type NoNewUnsafe struct{}

func (NoNewUnsafe) Name() string { return "no-new-unsafe" }

func (NoNewUnsafe) Run(_ context.Context, cc CheckContext) ([]model.Finding, error) {
	before := make(map[string]bool, len(cc.Before.Symbols))
	for _, s := range cc.Before.Symbols {
		before[s.Name] = s.Unsafe
	}
	var findings []model.Finding
	for _, s := range cc.After.Symbols {
		if s.Unsafe && !before[s.Name] {
			findings = append(findings, model.Finding{
				Severity:  model.SeverityError,
				CheckName: "no-new-unsafe",
				Message:   "introduces a new unsafe block",
				File:      s.File,
				Line:      s.Line,
				Symbol:    s.Name,
			})
		}
	}
	return findings, nil
}

// NoBrokenCallTargets flags call edges whose callee does not appear in the
// After snapshot's symbol set at all.
type NoBrokenCallTargets struct{}

func (NoBrokenCallTargets) Name() string { return "no-broken-call-targets" }

func (NoBrokenCallTargets) Run(_ context.Context, cc CheckContext) ([]model.Finding, error) {
	known := make(map[string]bool, len(cc.After.Symbols))
	for _, s := range cc.After.Symbols {
		known[s.Name] = true
	}
	var findings []model.Finding
	for _, e := range cc.After.Calls {
		if !known[e.Callee] {
			findings = append(findings, model.Finding{
				Severity:  model.SeverityError,
				CheckName: "no-broken-call-targets",
				Message:   "call target " + e.Callee + " does not exist",
				Symbol:    e.Caller,
			})
		}
	}
	return findings, nil
}
