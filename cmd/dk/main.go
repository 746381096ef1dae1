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

// Command dk is a minimal manual-testing client for dk-server's WebSocket
// RPC surface: it sends one request and prints the response. The full
// `dk` CLI an agent harness talks to is an external, separately-versioned
// client (this design's Non-goals); this exists only so a developer can probe
// a running daemon by hand over the AgentService wire protocol, using
// internal/rpc's own message types and internal/lifecycle's health and
// process helpers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkod-io/dk-server/internal/lifecycle"
	"github.com/dkod-io/dk-server/internal/rpc"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:9876", "dk-server RPC address (host:port)")
		method   = flag.String("method", "session.status", "RPC method to invoke")
		params   = flag.String("params", "{}", "JSON-encoded request params")
		secret   = flag.String("secret", "", "shared-secret auth token, if the server requires one")
		waitSecs = flag.Int("wait-healthy", 0, "seconds to wait for the server's /health endpoint before sending the request (0 disables)")
		pidFile  = flag.String("pid-file", "", "operate on the daemon recorded at this PID file instead of sending an RPC")
		doStop   = flag.Bool("stop", false, "with -pid-file, shut the daemon down instead of sending an RPC")
		doStatus = flag.Bool("status", false, "with -pid-file, print the daemon's process status instead of sending an RPC")
		force    = flag.Bool("force", false, "with -stop, SIGKILL if the daemon ignores SIGTERM within -stop-timeout")
		stopWait = flag.Int("stop-timeout", 10, "seconds to wait for graceful shutdown with -stop")
		logPath  = flag.String("lifecycle-log", "", "with -stop, append the stop event to this lifecycle log (matches dk-server's -lifecycle-log)")
	)
	flag.Parse()

	if *pidFile != "" && *doStop {
		if err := stop(*pidFile, time.Duration(*stopWait)*time.Second, *force, *logPath); err != nil {
			fmt.Fprintf(os.Stderr, "dk: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *pidFile != "" && *doStatus {
		if err := status(*pidFile); err != nil {
			fmt.Fprintf(os.Stderr, "dk: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *waitSecs > 0 {
		endpoint := fmt.Sprintf("http://%s/health", *addr)
		checker := lifecycle.NewHealthChecker(endpoint)
		start := time.Now()
		if err := checker.WaitUntilHealthy(time.Duration(*waitSecs) * time.Second); err != nil {
			if *logPath != "" {
				result := checker.Check(context.Background())
				_ = lifecycle.NewLifecycleLogger(*logPath).LogHealthCheckFailed(endpoint, 1, time.Since(start), result.Error)
			}
			fmt.Fprintf(os.Stderr, "dk: server did not become healthy: %v\n", err)
			os.Exit(1)
		}
	}

	var rawParams map[string]interface{}
	if err := json.Unmarshal([]byte(*params), &rawParams); err != nil {
		fmt.Fprintf(os.Stderr, "dk: invalid -params JSON: %v\n", err)
		os.Exit(1)
	}

	resp, err := call(*addr, *secret, *method, rawParams)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dk: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
}

// stop reads the PID recorded at pidFile, confirms it still belongs to a
// dk-server daemon (guarding against a stale file pointing at a PID that's
// since been reused by an unrelated process), and asks it to shut down.
func stop(pidFile string, timeout time.Duration, force bool, logPath string) error {
	var lifecycleLogger *lifecycle.LifecycleLogger
	if logPath != "" {
		lifecycleLogger = lifecycle.NewLifecycleLogger(logPath)
	}

	pid, err := lifecycle.NewPIDFileManager(pidFile).Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}

	if !lifecycle.IsServerProcess(pid) {
		return fmt.Errorf("pid %d at %s: %w", pid, pidFile, lifecycle.ErrNotServerProcess)
	}

	if lifecycleLogger != nil {
		_ = lifecycleLogger.LogStop(pid, force)
	}

	start := time.Now()
	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		if lifecycleLogger != nil {
			_ = lifecycleLogger.LogStopFailure(pid, err)
		}
		return fmt.Errorf("shut down pid %d: %w", pid, err)
	}

	if lifecycleLogger != nil {
		_ = lifecycleLogger.LogStopSuccess(pid, time.Since(start))
	}
	fmt.Printf("dk-server (pid %d) stopped\n", pid)
	return nil
}

// status reads the PID recorded at pidFile and reports whether it's alive
// and, if so, what command is running under it.
func status(pidFile string) error {
	pid, err := lifecycle.NewPIDFileManager(pidFile).Read()
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}

	info, err := lifecycle.GetProcessInfo(pid)
	if err != nil {
		return fmt.Errorf("get process info: %w", err)
	}

	if !info.Running {
		fmt.Printf("dk-server (pid %d) not running\n", info.PID)
		return nil
	}
	fmt.Printf("dk-server (pid %d) running: %s\n", info.PID, info.Command)
	return nil
}

// call opens a short-lived WebSocket connection, sends one request, and
// returns the first message the server sends back (a response or an
// error); its correlation ID is not compared with the request's.
func call(addr, secret, method string, params map[string]interface{}) (*rpc.Message, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	header := make(http.Header)
	if secret != "" {
		header.Set("Authorization", "Bearer "+secret)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	req, err := rpc.NewRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var resp rpc.Message
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}
