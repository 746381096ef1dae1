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

package log

import (
	"context"
	"log/slog"
)

// RPCRequest carries the fields of an inbound AgentService frame worth
// logging: method (e.g. "session.connect", "file.read", "changeset.verify")
// and correlation ID, plus the remote address of the connected agent.
type RPCRequest struct {
	Method        string
	CorrelationID string
	RemoteAddr    string
}

// RPCResponse carries the outcome of handling an RPCRequest.
type RPCResponse struct {
	Success    bool
	Error      string
	DurationMs int64
}

// LogRPCRequest logs an inbound AgentService frame before it is dispatched.
func LogRPCRequest(logger *slog.Logger, req *RPCRequest) {
	attrs := []any{
		"event", "rpc_request",
		"method", req.Method,
		"correlation_id", req.CorrelationID,
		"remote", req.RemoteAddr,
	}
	logger.Info("rpc request received", attrs...)
}

// LogRPCResponse logs the outcome of dispatching req.
func LogRPCResponse(logger *slog.Logger, req *RPCRequest, resp *RPCResponse) {
	attrs := []any{
		"event", "rpc_response",
		"method", req.Method,
		"correlation_id", req.CorrelationID,
		"success", resp.Success,
		"duration_ms", resp.DurationMs,
		"remote", req.RemoteAddr,
	}
	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	level, message := slog.LevelInfo, "rpc request completed"
	if !resp.Success {
		level, message = slog.LevelError, "rpc request failed"
	}
	logger.Log(context.Background(), level, message, attrs...)
}
