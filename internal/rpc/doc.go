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

/*
Package rpc provides a WebSocket-based RPC server exposing the agent
session surface over a single persistent connection per client.

# Overview

The RPC server supports:

  - Request/response messaging with correlation IDs
  - Streaming responses for long-running operations (Watch)
  - Shared-secret, JWT, or dual authentication
  - Multiple concurrent connections, each serialized through one write
    mutex shared by its ping goroutine, request handlers, and stream writers

# Server Setup

Create and start an RPC server:

	cfg := &rpc.ServerConfig{
	    PortRange: [2]int{9876, 9899},
	    Auth:      authenticator,
	    Registry:  registry,
	    Logger:    slog.Default(),
	}

	server := rpc.NewServer(cfg)
	port, err := server.Start(ctx)

# Handlers

Methods are registered on a Registry, either as a request/response
Handler or a streaming StreamHandler:

	registry.Register("session.connect", handleConnect)
	registry.RegisterStream("session.watch", handleWatch)

AgentService wires every session, workspace, and changeset operation
onto a Registry this way.

# Protocol

Messages carry a correlation ID, a type (request, response, stream,
or error), and JSON-encoded params or result:

	// Request
	{"type":"request","correlationId":"req-123","method":"session.connect","params":{...}}

	// Response
	{"type":"response","correlationId":"req-123","result":{...}}

	// Error
	{"type":"error","correlationId":"req-123","error":{"code":"...","message":"..."}}

# Authentication

An Authenticator validates the WebSocket upgrade request before the
connection is accepted:

	Authorization: Bearer <token>
	X-Auth-Token: <token>
	?token=<token>

Repeated authentication failures from the same remote IP are rate
limited.

# Connection Lifecycle

 1. Client connects via WebSocket
 2. Server authenticates the upgrade request
 3. Bidirectional message exchange, each inbound frame dispatched in
    its own goroutine
 4. Either side can close the connection
 5. Server tracks active connections for graceful shutdown

# Graceful Shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
	    log.Printf("shutdown error: %v", err)
	}

Active connections receive a close frame before the listener stops.
*/
package rpc
