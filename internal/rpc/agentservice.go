// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkod-io/dk-server/internal/allowlist"
	"github.com/dkod-io/dk-server/internal/eventbus"
	"github.com/dkod-io/dk-server/internal/executor"
	"github.com/dkod-io/dk-server/internal/index"
	"github.com/dkod-io/dk-server/internal/metrics"
	"github.com/dkod-io/dk-server/internal/review"
	"github.com/dkod-io/dk-server/internal/scheduler"
	"github.com/dkod-io/dk-server/internal/semantic"
	"github.com/dkod-io/dk-server/internal/session"
	"github.com/dkod-io/dk-server/internal/truncate"
	"github.com/dkod-io/dk-server/internal/validate"
	"github.com/dkod-io/dk-server/internal/workflow"
	"github.com/dkod-io/dk-server/internal/workspace"
	"github.com/dkod-io/dk-server/internal/workspacemgr"
	derrors "github.com/dkod-io/dk-server/pkg/errors"
	"github.com/dkod-io/dk-server/pkg/model"
)

// AgentServiceConfig wires every collaborator the AgentService needs to
// implement this design's ten RPCs.
type AgentServiceConfig struct {
	Sessions   *session.Manager
	Workspaces *workspacemgr.Manager
	Bus        *eventbus.Bus
	Codebases  workspacemgr.CodebaseResolver
	Workflows  workflow.Resolver
	Executor   executor.Executor
	Allowlist  *allowlist.List
	Semantic   *semantic.Registry
	Review     review.Provider
	Parser     index.ParserRegistry
	Vector     index.VectorSearch
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// AgentService implements the AgentService wire contract over a Registry.
// Every handler follows this design's six-step pre-amble: validate
// syntactic fields, resolve the session, touch it, resolve the workspace,
// execute, and on mutation publish an event.
type AgentService struct {
	sessions   *session.Manager
	workspaces *workspacemgr.Manager
	bus        *eventbus.Bus
	codebases  workspacemgr.CodebaseResolver
	workflows  workflow.Resolver
	exec       executor.Executor
	allow      *allowlist.List
	semantic   *semantic.Registry
	review     review.Provider
	parser     index.ParserRegistry
	vector     index.VectorSearch
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewAgentService builds an AgentService from cfg, filling in no-op
// defaults for the pluggable external-collaborator seams (Parser, Vector)
// when left unset.
func NewAgentService(cfg AgentServiceConfig) *AgentService {
	if cfg.Parser == nil {
		cfg.Parser = index.NoOpParserRegistry{}
	}
	if cfg.Vector == nil {
		cfg.Vector = index.NoOpVectorSearch{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AgentService{
		sessions:   cfg.Sessions,
		workspaces: cfg.Workspaces,
		bus:        cfg.Bus,
		codebases:  cfg.Codebases,
		workflows:  cfg.Workflows,
		exec:       cfg.Executor,
		allow:      cfg.Allowlist,
		semantic:   cfg.Semantic,
		review:     cfg.Review,
		parser:     cfg.Parser,
		vector:     cfg.Vector,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Register wires every AgentService method onto reg.
func (a *AgentService) Register(reg *Registry) {
	reg.Register("session.connect", a.handleConnect)
	reg.Register("file.read", a.handleFileRead)
	reg.Register("file.write", a.handleFileWrite)
	reg.Register("file.list", a.handleFileList)
	reg.Register("context.query", a.handleContext)
	reg.Register("changeset.submit", a.handleSubmit)
	reg.Register("changeset.verify", a.handleVerify)
	reg.Register("changeset.merge", a.handleMerge)
	reg.RegisterStream("session.watch", a.handleWatch)
	reg.Register("session.status", a.handleSessionStatus)
}

// fail builds an error Message whose code is the wire Kind CodeOf(err)
// classifies it as, rather than the generic "handler_failed" dispatch
// falls back to when a Handler itself returns a Go error.
func (a *AgentService) fail(correlationID string, err error) (*Message, error) {
	return NewErrorResponse(correlationID, string(derrors.CodeOf(err)), err.Error(), nil), nil
}

func respond(correlationID string, result interface{}) (*Message, error) {
	msg, err := NewResponse(correlationID, result)
	if err != nil {
		return NewErrorResponse(correlationID, string(derrors.Internal), err.Error(), nil), nil
	}
	return msg, nil
}

// resolveSessionErr implements steps 2-4 of the pre-amble: resolve,
// touch, then resolve the bound workspace.
func (a *AgentService) resolveSessionErr(rawID string) (model.Session, *workspace.Workspace, error) {
	sid, err := validate.SessionID(rawID)
	if err != nil {
		return model.Session{}, nil, derrors.Wrap(derrors.InvalidArgument, "invalid session id", err)
	}
	sess, ok := a.sessions.Get(sid)
	if !ok {
		return model.Session{}, nil, derrors.New(derrors.Unauthenticated, "session not found or expired")
	}
	a.sessions.Touch(sid)
	ws := a.workspaces.Get(sid)
	if ws == nil {
		return model.Session{}, nil, derrors.New(derrors.NotFound, "workspace not found for session")
	}
	return sess, ws, nil
}

func (a *AgentService) resolveSession(correlationID, rawID string) (model.Session, *workspace.Workspace, *Message) {
	sess, ws, err := a.resolveSessionErr(rawID)
	if err != nil {
		msg, _ := a.fail(correlationID, err)
		return model.Session{}, nil, msg
	}
	return sess, ws, nil
}

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// --- Connect ---

type ConnectParams struct {
	AgentID   string `json:"agent_id"`
	Codebase  string `json:"codebase"`
	Intent    string `json:"intent"`
	AuthToken string `json:"auth_token"`
}

type ConnectResult struct {
	SessionID       string `json:"session_id"`
	ChangesetID     string `json:"changeset_id"`
	CodebaseVersion string `json:"codebase_version"`
	Summary         string `json:"summary"`
}

// handleConnect is the one RPC that does not follow steps 2-4 of the
// pre-amble, since it is what creates the session and workspace those
// steps later resolve. Authentication already happened once, at the
// WebSocket upgrade (internal/rpc/auth.go), not here: AuthToken is
// accepted on the wire for client compatibility but is not re-checked
// against an Authenticator, since a handler never sees the upgrade
// request a real Authenticator validates.
func (a *AgentService) handleConnect(ctx context.Context, req *Message) (*Message, error) {
	var p ConnectParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing connect params", err))
	}
	if p.Codebase == "" {
		return a.fail(req.CorrelationID, derrors.New(derrors.InvalidArgument, "codebase is required"))
	}

	cb, err := a.codebases.Resolve(p.Codebase)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}

	sess := a.sessions.Create(p.AgentID, p.Codebase, p.Intent, cb.BaseCommit)
	ws := a.workspaces.Create(sess.ID, cb.RepoID, cb.BaseCommit)

	summary := fmt.Sprintf("connected agent %q to codebase %q at %s for intent %q", p.AgentID, p.Codebase, shortCommit(cb.BaseCommit), p.Intent)
	return respond(req.CorrelationID, ConnectResult{
		SessionID:       sess.ID.String(),
		ChangesetID:     ws.ChangesetID.String(),
		CodebaseVersion: cb.BaseCommit,
		Summary:         summary,
	})
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

// --- FileRead ---

type FileReadParams struct {
	Session string `json:"session"`
	Path    string `json:"path"`
}

type FileReadResult struct {
	Content           []byte `json:"content"`
	Hash              string `json:"hash"`
	ModifiedInSession bool   `json:"modified_in_session"`
}

func (a *AgentService) handleFileRead(ctx context.Context, req *Message) (*Message, error) {
	var p FileReadParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing file.read params", err))
	}
	if err := validate.FilePath(p.Path); err != nil {
		return a.fail(req.CorrelationID, err)
	}
	_, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	result, err := ws.ReadFile(ctx, p.Path)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}
	return respond(req.CorrelationID, FileReadResult{
		Content:           result.Content,
		Hash:              sha256Hex(result.Content),
		ModifiedInSession: result.ModifiedInSession,
	})
}

// --- FileWrite ---

type FileWriteParams struct {
	Session string `json:"session"`
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type FileWriteResult struct {
	Hash string `json:"hash"`
}

func (a *AgentService) handleFileWrite(ctx context.Context, req *Message) (*Message, error) {
	var p FileWriteParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing file.write params", err))
	}
	if err := validate.FilePath(p.Path); err != nil {
		return a.fail(req.CorrelationID, err)
	}
	if err := validate.FileSize(p.Content); err != nil {
		return a.fail(req.CorrelationID, err)
	}
	_, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	ws.WriteFile(p.Path, p.Content)
	a.bus.Publish(model.WatchEvent{Kind: model.EventFileWritten, Path: p.Path, PublishedAt: time.Now()})

	return respond(req.CorrelationID, FileWriteResult{Hash: sha256Hex(p.Content)})
}

// --- FileList ---

type FileListParams struct {
	Session      string `json:"session"`
	OnlyModified bool   `json:"only_modified"`
	Prefix       string `json:"prefix"`
}

type FileListResult struct {
	Files []model.FileEntry `json:"files"`
}

func (a *AgentService) handleFileList(ctx context.Context, req *Message) (*Message, error) {
	var p FileListParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing file.list params", err))
	}
	_, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	files, err := ws.ListFiles(ctx, p.OnlyModified, p.Prefix)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}
	return respond(req.CorrelationID, FileListResult{Files: files})
}

// --- Context ---

type ContextParams struct {
	Session   string             `json:"session"`
	Query     string             `json:"query"`
	Depth     model.ContextDepth `json:"depth"`
	MaxTokens int                `json:"max_tokens"`
}

func (a *AgentService) handleContext(ctx context.Context, req *Message) (*Message, error) {
	var p ContextParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing context params", err))
	}
	_, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}
	depth := p.Depth
	if depth == "" {
		depth = model.DepthSignatures
	}

	hits, err := a.vector.Search(ctx, p.Query, 10)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}

	var b strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&b, "%s (score %.3f)\n", hit.Path, hit.Score)
		if depth == model.DepthSignatures {
			continue
		}
		content, err := ws.ReadFile(ctx, hit.Path)
		if err != nil {
			continue
		}
		parsed, err := a.parser.Parse(ctx, hit.Path, content.Content)
		if err != nil {
			continue
		}
		if depth == model.DepthFull {
			perFileBudget := p.MaxTokens * 4
			if perFileBudget <= 0 {
				perFileBudget = 8192
			}
			fmt.Fprintf(&b, "%s\n", truncate.ToByteBudget(content.Content, perFileBudget))
		}
		for _, sym := range parsed.Symbols {
			fmt.Fprintf(&b, "  %s\n", sym)
		}
	}

	text, tokens := truncateToTokens(b.String(), p.MaxTokens)
	return respond(req.CorrelationID, model.ContextResult{
		Query:   p.Query,
		Depth:   depth,
		Content: text,
		Tokens:  tokens,
	})
}

// truncateToTokens approximates a token as 4 bytes, matching common
// tokenizer ratios closely enough for a context budget ceiling; it is not
// a real tokenizer (none is wired, per this design's pluggability note).
// Per-file content has already been cut at a blank-line boundary above;
// this is the final blunt cut across the whole assembled blob, needed
// because header lines and symbol listings from several files can still
// add up past MaxTokens even when no single file did.
func truncateToTokens(text string, maxTokens int) (string, int) {
	const bytesPerToken = 4
	tokens := (len(text) + bytesPerToken - 1) / bytesPerToken
	if maxTokens <= 0 || tokens <= maxTokens {
		return text, tokens
	}
	limit := maxTokens * bytesPerToken
	if limit > len(text) {
		limit = len(text)
	}
	return text[:limit], maxTokens
}

// --- Submit ---

type SubmitParams struct {
	Session string             `json:"session"`
	Changes []model.FileChange `json:"changes"`
}

func (a *AgentService) handleSubmit(ctx context.Context, req *Message) (*Message, error) {
	var p SubmitParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing changeset.submit params", err))
	}
	// Validate every change before applying any, so Submit is atomic: all
	// changes apply or none (see DESIGN.md).
	for _, c := range p.Changes {
		if err := validate.FilePath(c.Path); err != nil {
			return a.fail(req.CorrelationID, err)
		}
		if !c.Delete {
			if err := validate.FileSize(c.Content); err != nil {
				return a.fail(req.CorrelationID, err)
			}
		}
	}
	_, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	for _, c := range p.Changes {
		if c.Delete {
			ws.DeleteFile(c.Path)
		} else {
			ws.WriteFile(c.Path, c.Content)
		}
	}

	changesetID, err := ws.FinalizeChangeset(ctx)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}
	a.bus.Publish(model.WatchEvent{Kind: model.EventSubmitted, ChangesetID: changesetID, PublishedAt: time.Now()})

	return respond(req.CorrelationID, model.SubmitResult{ChangesetID: changesetID})
}

// --- Verify ---

type VerifyParams struct {
	Session string `json:"session"`
}

type VerifyResult struct {
	Steps  []model.StepResult `json:"steps"`
	Passed bool                `json:"passed"`
}

func (a *AgentService) handleVerify(ctx context.Context, req *Message) (*Message, error) {
	var p VerifyParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing changeset.verify params", err))
	}
	sess, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	wf, err := a.workflows.Resolve(sess.Codebase)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}
	if err := workflow.ValidateCommands(wf, a.allow); err != nil {
		return a.fail(req.CorrelationID, err)
	}

	changed := ws.ModifiedPaths()
	workDir, cleanup, err := materialize(ctx, ws, changed)
	if err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.Internal, "materializing changeset for verification", err))
	}
	defer cleanup()

	stepKind := make(map[string]model.StepKind, len(wf.Stages))
	for _, stage := range wf.Stages {
		for _, step := range stage.Steps {
			stepKind[stage.Name+"/"+step.Name] = step.Kind
		}
	}

	var mu sync.Mutex
	var results []model.StepResult
	sched := scheduler.New(a.exec, a.allow, a.semantic, a.review, func(r model.StepResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		if a.metrics != nil {
			kind := string(stepKind[r.StageName+"/"+r.StepName])
			a.metrics.ObserveStep(kind, string(r.Status), r.Duration)
		}
	})
	sched.Run(ctx, wf, scheduler.StepContext{WorkDir: workDir, ChangedFiles: changed})

	return respond(req.CorrelationID, VerifyResult{Steps: results, Passed: allRequiredPassed(wf, results)})
}

// allRequiredPassed mirrors the scheduler's internal stage-gating check
// over the run's full, flattened result set: true iff no required step
// ended in Fail or Timeout, matching this design's return-value rule.
func allRequiredPassed(wf *model.Workflow, results []model.StepResult) bool {
	required := make(map[string]bool, len(results))
	for _, stage := range wf.Stages {
		for _, step := range stage.Steps {
			required[stage.Name+"/"+step.Name] = step.Required
		}
	}
	for _, r := range results {
		key := r.StageName + "/" + r.StepName
		if required[key] && r.Status != model.StatusPass && r.Status != model.StatusSkip {
			return false
		}
	}
	return true
}

// materialize writes the workspace's modified paths into a fresh temp
// directory, the "materialized form" of the changeset the scheduler runs
// commands against (this design's data-flow note). The directory and its
// contents are removed by the returned cleanup func.
func materialize(ctx context.Context, ws *workspace.Workspace, paths []string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "dk-verify-*")
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	for _, p := range paths {
		result, err := ws.ReadFile(ctx, p)
		if err != nil {
			cleanup()
			return "", func() {}, err
		}
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			cleanup()
			return "", func() {}, err
		}
		if err := os.WriteFile(full, result.Content, 0o644); err != nil {
			cleanup()
			return "", func() {}, err
		}
	}
	return dir, cleanup, nil
}

// --- Merge ---

type MergeParams struct {
	Session string `json:"session"`
	Message string `json:"message"`
}

func (a *AgentService) handleMerge(ctx context.Context, req *Message) (*Message, error) {
	var p MergeParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing changeset.merge params", err))
	}
	_, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	changesetID, err := ws.FinalizeChangeset(ctx)
	if err != nil {
		return a.fail(req.CorrelationID, err)
	}
	commit := synthesizeCommit(ws.RepoID, ws.BaseCommit, changesetID, p.Message)
	a.bus.Publish(model.WatchEvent{Kind: model.EventMerged, Commit: commit, ChangesetID: changesetID, PublishedAt: time.Now()})

	return respond(req.CorrelationID, model.MergeResult{Commit: commit})
}

// synthesizeCommit derives a deterministic, git-shaped commit identifier
// from a finalized changeset. Real commit creation against a version
// control backend is out of scope (see DESIGN.md): no write path onto
// store.Store exists, by design, since the real VCS integration is an
// external collaborator this build never implements.
func synthesizeCommit(repoID, baseCommit string, changesetID uuid.UUID, message string) string {
	h := sha256.New()
	h.Write([]byte(repoID))
	h.Write([]byte(baseCommit))
	h.Write([]byte(changesetID.String()))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// --- Watch ---

type WatchParams struct {
	Session string                 `json:"session"`
	Filter  []model.WatchEventKind `json:"filter"`
}

func (a *AgentService) handleWatch(ctx context.Context, req *Message, w StreamSink) error {
	var p WatchParams
	if err := req.UnmarshalParams(&p); err != nil {
		return derrors.Wrap(derrors.InvalidArgument, "parsing session.watch params", err)
	}
	if _, _, err := a.resolveSessionErr(p.Session); err != nil {
		return err
	}

	filter := make(map[model.WatchEventKind]bool, len(p.Filter))
	for _, k := range p.Filter {
		filter[k] = true
	}

	sub := a.bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return w.Done()
		case ev, ok := <-sub.Events:
			if !ok {
				return w.Done()
			}
			if ev.Kind == model.EventLagged && a.metrics != nil {
				a.metrics.EventBusLagged.Inc()
			}
			if len(filter) > 0 && !filter[ev.Kind] {
				continue
			}
			if err := w.Send(ev); err != nil {
				return err
			}
		}
	}
}

// --- SessionStatus ---

type SessionStatusParams struct {
	Session string `json:"session"`
}

func (a *AgentService) handleSessionStatus(ctx context.Context, req *Message) (*Message, error) {
	var p SessionStatusParams
	if err := req.UnmarshalParams(&p); err != nil {
		return a.fail(req.CorrelationID, derrors.Wrap(derrors.InvalidArgument, "parsing session.status params", err))
	}
	sess, ws, errMsg := a.resolveSession(req.CorrelationID, p.Session)
	if errMsg != nil {
		return errMsg, nil
	}

	return respond(req.CorrelationID, model.SessionStatus{
		BaseCommit: ws.BaseCommit,
		FilesModified: ws.ModifiedPaths(),
		// SymbolsModified is left empty: no ChangesetStore-backed symbol
		// diff is computed until a changeset is finalized, and even then
		// populating it requires the ParserRegistry seam this build only
		// has a no-op implementation of (internal/index).
		SymbolsModified:     nil,
		OverlaySizeBytes:    ws.OverlaySizeBytes(),
		ActiveOtherSessions: a.workspaces.ActiveOtherSessions(ws.RepoID, sess.ID),
	})
}
