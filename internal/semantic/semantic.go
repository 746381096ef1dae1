// Package semantic implements the semantic check framework (C13):
// stateless checks over before/after graph snapshots, producing Findings.
package semantic

import (
	"context"

	"github.com/dkod-io/dk-server/pkg/model"
)

// Symbol is a minimal named, located code entity — the unit semantic
// checks compare across snapshots.
type Symbol struct {
	Name   string
	File   string
	Line   int
	Public bool
	Unsafe bool
}

// CallEdge is a caller/callee pair.
type CallEdge struct {
	Caller string
	Callee string
}

// Snapshot is one side (before or after) of the graph a CheckContext compares.
type Snapshot struct {
	Symbols []Symbol
	Calls   []CallEdge
}

// CheckContext carries both snapshots plus the files that changed.
type CheckContext struct {
	Before       Snapshot
	After        Snapshot
	ChangedFiles []string
}

// Check is a stateless semantic check: it must not mutate CheckContext.
type Check interface {
	Name() string
	Run(ctx context.Context, cc CheckContext) ([]model.Finding, error)
}

// Registry maps check ids to implementations.
type Registry struct {
	checks map[string]Check
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds check under its own Name().
func (r *Registry) Register(c Check) {
	r.checks[c.Name()] = c
}

// Get returns the check registered under id, if any.
func (r *Registry) Get(id string) (Check, bool) {
	c, ok := r.checks[id]
	return c, ok
}

// RunAll invokes every named check in order and concatenates their findings.
// It stops at the first check-execution error (an error returned by Run
// itself, not a finding).
func (r *Registry) RunAll(ctx context.Context, ids []string, cc CheckContext) ([]model.Finding, error) {
	var findings []model.Finding
	for _, id := range ids {
		c, ok := r.checks[id]
		if !ok {
			continue
		}
		fs, err := c.Run(ctx, cc)
		if err != nil {
			return findings, err
		}
		findings = append(findings, fs...)
	}
	return findings, nil
}

// HasErrorFinding reports whether any finding in fs is an error-severity
// finding — the scheduler's pass/fail signal for a Semantic step.
func HasErrorFinding(fs []model.Finding) bool {
	for _, f := range fs {
		if f.Severity == model.SeverityError {
			return true
		}
	}
	return false
}
