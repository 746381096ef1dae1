// Package model holds the shared data types of the agent protocol: sessions,
// workspaces, overlays, workflows, and the records that flow between them.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is an authenticated, expiring handle an agent uses for all RPCs.
type Session struct {
	ID             uuid.UUID
	AgentID        string
	Codebase       string
	Intent         string
	CodebaseVersion string
	CreatedAt      time.Time
	LastActive     time.Time
}

// Snapshot is the residue of an expired session, retrievable exactly once.
type Snapshot struct {
	AgentID         string
	Codebase        string
	Intent          string
	CodebaseVersion string
}

// EntryKind distinguishes the states an overlay entry can be in.
type EntryKind int

const (
	// Absent means the path has no overlay entry; reads fall through to base.
	Absent EntryKind = iota
	// Present means the overlay holds pending content for the path.
	Present
	// Tombstone means the path was deleted in the overlay.
	Tombstone
)

// OverlayEntry is one path's pending state in a workspace overlay.
type OverlayEntry struct {
	Kind    EntryKind
	Content []byte
}

// FileEntry is a listed file and whether the session has modified it.
type FileEntry struct {
	Path             string `json:"path"`
	ModifiedInSession bool   `json:"modified_in_session"`
}

// StepStatus is the outcome of running one workflow step.
type StepStatus string

const (
	StatusPass    StepStatus = "pass"
	StatusFail    StepStatus = "fail"
	StatusSkip    StepStatus = "skip"
	StatusTimeout StepStatus = "timeout"
)

// Severity classifies a Finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Finding is a structured check result with severity and optional location.
type Finding struct {
	Severity Severity `json:"severity"`
	CheckName string  `json:"check_name"`
	Message  string   `json:"message"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Symbol   string   `json:"symbol,omitempty"`
}

// StepResult is the outcome of one step, in the order it completed.
type StepResult struct {
	StageName string        `json:"stage_name"`
	StepName  string        `json:"step_name"`
	StepOrder int           `json:"step_order"`
	Status    StepStatus    `json:"status"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration_ms"`
	Findings  []Finding     `json:"findings,omitempty"`
}

// WatchEventKind tags the variant of a WatchEvent.
type WatchEventKind string

const (
	EventFileWritten WatchEventKind = "file_written"
	EventSubmitted   WatchEventKind = "submitted"
	EventMerged      WatchEventKind = "merged"
	EventLagged      WatchEventKind = "lagged"
)

// WatchEvent is an opaque tagged record published by writes/submits/merges.
type WatchEvent struct {
	Kind         WatchEventKind `json:"kind"`
	Path         string         `json:"path,omitempty"`
	ChangesetID  uuid.UUID      `json:"changeset_id,omitempty"`
	Commit       string         `json:"commit,omitempty"`
	Lagged       int            `json:"lagged,omitempty"`
	PublishedAt  time.Time      `json:"published_at"`
}

// ContextDepth controls how much context a Context RPC returns.
type ContextDepth string

const (
	DepthSignatures ContextDepth = "signatures"
	DepthFull       ContextDepth = "full"
	DepthCallGraph  ContextDepth = "call-graph"
)

// ContextResult is the normalized response to a Context RPC.
type ContextResult struct {
	Query   string `json:"query"`
	Depth   ContextDepth `json:"depth"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}

// FileChange is one entry in a Submit request.
type FileChange struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Delete  bool   `json:"delete"`
}

// SubmitResult is the outcome of a Submit RPC.
type SubmitResult struct {
	ChangesetID uuid.UUID `json:"changeset_id"`
	Errors      []string  `json:"errors,omitempty"`
}

// MergeResult is the outcome of a Merge RPC.
type MergeResult struct {
	Commit string `json:"commit"`
}

// SessionStatus is the response to a SessionStatus RPC.
type SessionStatus struct {
	BaseCommit         string   `json:"base_commit"`
	FilesModified      []string `json:"files_modified"`
	SymbolsModified    []string `json:"symbols_modified"`
	OverlaySizeBytes   int64    `json:"overlay_size_bytes"`
	ActiveOtherSessions int     `json:"active_other_sessions"`
}
