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

// Package daemon wires the collaborators the AgentService RPC surface
// depends on into one running process: session manager, workspace
// manager, event bus, scheduler executor, and the WebSocket server
// itself. Grounded on a daemon.go Daemon struct shape, narrowed from an
// HTTP control plane (routers, auth middleware, leader election) down to
// the single WebSocket AgentService this design needs.
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dkod-io/dk-server/internal/allowlist"
	"github.com/dkod-io/dk-server/internal/changesetstore"
	"github.com/dkod-io/dk-server/internal/config"
	"github.com/dkod-io/dk-server/internal/eventbus"
	"github.com/dkod-io/dk-server/internal/executor"
	"github.com/dkod-io/dk-server/internal/metrics"
	"github.com/dkod-io/dk-server/internal/review"
	"github.com/dkod-io/dk-server/internal/rpc"
	"github.com/dkod-io/dk-server/internal/semantic"
	"github.com/dkod-io/dk-server/internal/session"
	"github.com/dkod-io/dk-server/internal/store"
	"github.com/dkod-io/dk-server/internal/workflow"
	"github.com/dkod-io/dk-server/internal/workspacemgr"
)

// Options carries build-time metadata the daemon logs on startup, set by
// cmd/dk-server's ldflags.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns every long-lived collaborator in the process and the
// goroutine that periodically reaps expired sessions.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	sessions   *session.Manager
	workspaces *workspacemgr.Manager
	bus        *eventbus.Bus
	server     *rpc.Server

	reviewCloser func() error

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New builds a Daemon from cfg without starting any network listener.
// Call Start to begin serving.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.DefaultRegisterer
	collector := metrics.NewCollector(reg)

	sessions := session.New(cfg.Session.Timeout)
	sessions.SetMetrics(collector)

	repoID, baseCommit, objectStore, err := seedRepoRoot(cfg.Storage.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("daemon: seed repo root: %w", err)
	}

	changesets, err := openChangesetStore(cfg.Storage.ChangesetDBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open changeset store: %w", err)
	}

	workspaces := workspacemgr.New(objectStore, changesets)
	bus := eventbus.New()

	codebases := workspacemgr.StaticResolver{
		"default": {RepoID: repoID, BaseCommit: baseCommit},
	}

	workflows, err := openWorkflowResolver(cfg.WorkflowDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: open workflow resolver: %w", err)
	}

	allow := allowlist.New()
	allow.Tools = append(allow.Tools, cfg.Allowlist.ExtraTools...)

	semanticReg := semantic.NewRegistry()
	semanticReg.Register(semantic.NoNewUnsafe{})
	semanticReg.Register(semantic.NoBrokenCallTargets{})

	reviewProvider, reviewCloser, err := openReviewProvider(cfg.Review)
	if err != nil {
		return nil, fmt.Errorf("daemon: open review provider: %w", err)
	}

	auth, err := openAuthenticator(cfg.Server.Auth)
	if err != nil {
		return nil, fmt.Errorf("daemon: open authenticator: %w", err)
	}

	registry := rpc.NewRegistry()
	agentService := rpc.NewAgentService(rpc.AgentServiceConfig{
		Sessions:   sessions,
		Workspaces: workspaces,
		Bus:        bus,
		Codebases:  codebases,
		Workflows:  workflows,
		Executor:   executor.NewProcess(),
		Allowlist:  allow,
		Semantic:   semanticReg,
		Review:     reviewProvider,
		Metrics:    collector,
		Logger:     logger,
	})
	agentService.Register(registry)

	portRange, err := listenPortRange(cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("daemon: parse listen_addr: %w", err)
	}

	server := rpc.NewServer(&rpc.ServerConfig{
		PortRange: portRange,
		Auth:      auth,
		Registry:  registry,
		Metrics:   collector,
		Logger:    logger,
	})

	return &Daemon{
		cfg:          cfg,
		opts:         opts,
		logger:       logger,
		sessions:     sessions,
		workspaces:   workspaces,
		bus:          bus,
		server:       server,
		reviewCloser: reviewCloser,
		cleanupStop:  make(chan struct{}),
		cleanupDone:  make(chan struct{}),
	}, nil
}

// Start begins serving the WebSocket RPC surface and the background
// session-cleanup loop, then blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	port, err := d.server.Start(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("dk-server started",
		"version", d.opts.Version, "commit", d.opts.Commit, "port", port)

	go d.cleanupLoop()

	<-ctx.Done()
	return nil
}

func (d *Daemon) cleanupLoop() {
	defer close(d.cleanupDone)
	interval := d.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.cleanupStop:
			return
		case <-ticker.C:
			if n := d.sessions.CleanupExpired(); n > 0 {
				d.logger.Info("reaped expired sessions", "count", n)
			}
		}
	}
}

// Shutdown stops the cleanup loop and gracefully drains the RPC server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	close(d.cleanupStop)
	<-d.cleanupDone
	if d.reviewCloser != nil {
		if err := d.reviewCloser(); err != nil {
			d.logger.Warn("review provider close failed", "error", err)
		}
	}
	return d.server.Shutdown(ctx)
}

// Port returns the RPC server's bound port, valid once Start has run.
func (d *Daemon) Port() int { return d.server.Port() }

func listenPortRange(addr string) ([2]int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return [2]int{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return [2]int{}, fmt.Errorf("listen_addr port %q is not numeric: %w", portStr, err)
	}
	return [2]int{port, port + 23}, nil
}

func openAuthenticator(cfg config.AuthConfig) (*rpc.Authenticator, error) {
	return rpc.NewAuthenticator(rpc.AuthMode(cfg.ModeName), cfg.Secret, []byte(cfg.JWTSecret), cfg.JWTIssuer)
}

func openChangesetStore(path string) (changesetstore.Store, error) {
	if path == "" || path == ":memory:" {
		return changesetstore.NewInMemory(), nil
	}
	return changesetstore.OpenSQLite(path)
}

func openWorkflowResolver(dir string) (workflow.Resolver, error) {
	if dir == "" {
		return workflow.StaticResolver{}, nil
	}
	return workflow.NewFileResolver(dir), nil
}

func openReviewProvider(cfg config.ReviewConfig) (review.Provider, func() error, error) {
	switch cfg.Provider {
	case "":
		return nil, nil, nil
	case "http":
		p, err := review.NewHTTPProvider(review.HTTPProviderConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	case "mcp":
		p, err := review.NewMCPProvider(context.Background(), review.MCPProviderConfig{
			Command: cfg.Command,
			Tool:    cfg.Tool,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("review.provider %q is not one of \"\", \"http\", \"mcp\"", cfg.Provider)
	}
}

// seedRepoRoot walks root and loads every regular file into an in-memory
// store.Memory under a single synthesized base commit, so a fresh daemon
// has something for session.connect's codebase resolution to serve
// without an external version-control backend wired in yet (store.Store's
// doc comment: "a production implementation is backed by the dk CLI's
// underlying version-control tool; it is out of scope here").
func seedRepoRoot(root string) (repoID, baseCommit string, st *store.Memory, err error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", "", nil, err
	}
	files := make(map[string][]byte)
	var paths []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = data
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return "", "", nil, err
	}
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte(abs))
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write(files[p])
	}
	commit := hex.EncodeToString(h.Sum(nil))[:12]

	mem := store.NewMemory()
	mem.Seed(commit, files)

	repoIDHash := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(repoIDHash[:])[:12], commit, mem, nil
}
