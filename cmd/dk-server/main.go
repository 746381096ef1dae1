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

// Command dk-server runs the Agent Protocol daemon: a WebSocket RPC
// server exposing session, workspace and changeset-verification
// operations to connecting agents. Grounded on a daemon main's
// flag-then-config precedence and signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dkod-io/dk-server/internal/config"
	"github.com/dkod-io/dk-server/internal/daemon"
	"github.com/dkod-io/dk-server/internal/lifecycle"
	"github.com/dkod-io/dk-server/internal/log"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to dk-server.yaml config file")
		listenAddr = flag.String("listen", "", "override server.listen_addr")
		pidFile    = flag.String("pid-file", "", "write the daemon's PID to this path")
		logPath    = flag.String("lifecycle-log", "", "write start/stop lifecycle events to this path")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("dk-server %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dk-server: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "dk-server: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Secrets: []string{
			cfg.Server.Auth.Secret,
			cfg.Server.Auth.JWTSecret,
			cfg.Review.APIKey,
		},
	})

	var lifecycleLogger *lifecycle.LifecycleLogger
	if *logPath != "" {
		lifecycleLogger = lifecycle.NewLifecycleLogger(*logPath)
		_ = lifecycleLogger.LogStart(version, os.Args[1:], *configPath)
	}

	var pidManager *lifecycle.PIDFileManager
	if *pidFile != "" {
		pidManager = lifecycle.NewPIDFileManager(*pidFile)
		if err := pidManager.Create(os.Getpid()); err != nil {
			if err == lifecycle.ErrPIDFileExists {
				if staleErr := reclaimStalePIDFile(pidManager, *pidFile, lifecycleLogger); staleErr != nil {
					logger.Error("failed to create pid file", "path", *pidFile, "error", staleErr)
					if lifecycleLogger != nil {
						_ = lifecycleLogger.LogStartFailure(staleErr)
					}
					os.Exit(1)
				}
			} else {
				logger.Error("failed to create pid file", "path", *pidFile, "error", err)
				if lifecycleLogger != nil {
					_ = lifecycleLogger.LogStartFailure(err)
				}
				os.Exit(1)
			}
		}
		defer pidManager.Remove()
	}

	start := time.Now()
	d, err := daemon.New(cfg, daemon.Options{Version: version, Commit: commit, BuildDate: buildDate}, logger)
	if err != nil {
		logger.Error("failed to build daemon", "error", err)
		if lifecycleLogger != nil {
			_ = lifecycleLogger.LogStartFailure(err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	// Start binds the listener synchronously before returning control to
	// its background goroutine; a short settle delay keeps the lifecycle
	// log's "start succeeded" event honest about the port actually bound.
	time.Sleep(50 * time.Millisecond)
	if lifecycleLogger != nil {
		_ = lifecycleLogger.LogStartSuccess(os.Getpid(), 1, time.Since(start))
	}
	logger.Info("dk-server ready", "pid_file", absOrEmpty(*pidFile), "port", d.Port())

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited with error", "error", err)
		}
	}

	stopStart := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		if lifecycleLogger != nil {
			_ = lifecycleLogger.LogStopFailure(os.Getpid(), err)
		}
		os.Exit(1)
	}
	if lifecycleLogger != nil {
		_ = lifecycleLogger.LogStopSuccess(os.Getpid(), time.Since(stopStart))
	}
}

// reclaimStalePIDFile handles a PID file that already exists at startup: if
// it points at a PID that's still alive as a dk-server daemon, this is a
// genuine double-start and the existing file is left alone. Otherwise the
// PID is stale (the prior daemon crashed without cleaning up), so the file
// is removed and recreated for this process.
func reclaimStalePIDFile(m *lifecycle.PIDFileManager, path string, lifecycleLogger *lifecycle.LifecycleLogger) error {
	pid, err := m.Read()
	if err != nil {
		return fmt.Errorf("pid file %s exists but could not be read: %w", path, err)
	}

	if lifecycle.IsProcessRunning(pid) && lifecycle.IsServerProcess(pid) {
		if lifecycleLogger != nil {
			_ = lifecycleLogger.LogAlreadyRunning(pid)
		}
		return fmt.Errorf("dk-server already running at pid %d (%s)", pid, path)
	}

	if lifecycleLogger != nil {
		_ = lifecycleLogger.LogStalePID(pid, "recorded process is not a running dk-server daemon")
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove stale pid file %s: %w", path, err)
	}

	return m.Create(os.Getpid())
}

func absOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
