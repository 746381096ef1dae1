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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dklog "github.com/dkod-io/dk-server/internal/log"
	"github.com/dkod-io/dk-server/internal/metrics"
)

var (
	// ErrServerClosed is returned when operations are attempted on a closed server.
	ErrServerClosed = errors.New("rpc: server closed")

	// ErrNoPortAvailable is returned when no port in the configured range is available.
	ErrNoPortAvailable = errors.New("rpc: no port available in range")

	// ErrShutdownTimeout is returned when graceful shutdown exceeds the timeout.
	ErrShutdownTimeout = errors.New("rpc: shutdown timeout exceeded")
)

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// PortRange specifies the range of ports to try (inclusive).
	PortRange [2]int

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// Auth validates WebSocket upgrade requests. A nil Auth disables
	// authentication, which should only happen in tests.
	Auth *Authenticator

	// Registry dispatches requests to handlers keyed by method name.
	Registry *Registry

	// Metrics records per-method RPC outcome/latency and serves /metrics
	// when set. A nil Metrics disables both.
	Metrics *metrics.Collector

	Logger *slog.Logger
}

func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		PortRange:       [2]int{9876, 9899},
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server is the WebSocket RPC server implementing the AgentService
// surface (see DESIGN.md). Grounded on a port-search + http.Server +
// upgrader shape; the message-read loop left as a placeholder in the
// source this was grounded on is filled in here with a full
// request/response and streaming dispatch against a Registry.
type Server struct {
	config   *ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	port       int
	closed     bool

	connMu      sync.RWMutex
	connections map[*websocket.Conn]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewServer(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.PortRange[0] == 0 {
		config.PortRange = [2]int{9876, 9899}
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}

	return &Server{
		config: config,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(map[*websocket.Conn]struct{}),
		shutdownCh:  make(chan struct{}),
	}
}

// Start finds an available port in the configured range and begins
// serving /health and /ws.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrServerClosed
	}
	if s.httpServer != nil {
		return s.port, nil
	}

	port, listener, err := s.findAvailablePort()
	if err != nil {
		return 0, err
	}
	s.listener = listener
	s.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	if s.config.Metrics != nil {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("rpc server starting", "port", port, "portRange", s.config.PortRange)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server error", "error", err)
		}
	}()

	s.logger.Info("rpc server started", "port", port)
	return port, nil
}

func (s *Server) findAvailablePort() (int, net.Listener, error) {
	for port := s.config.PortRange[0]; port <= s.config.PortRange[1]; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return port, listener, nil
		}
		s.logger.Debug("port unavailable", "port", port, "error", err)
	}
	return 0, nil, ErrNoPortAvailable
}

func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	status, httpStatus := "ready", http.StatusOK
	if closed {
		status, httpStatus = "error", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "message": "dk-server RPC"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.config.Auth != nil {
		if err := s.config.Auth.Authenticate(r); err != nil {
			if errors.Is(err, ErrRateLimitExceeded) {
				s.logger.Warn("authentication rate limit exceeded", "remote", r.RemoteAddr)
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			} else {
				s.logger.Warn("authentication failed", "remote", r.RemoteAddr)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
			}
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.logger.Info("websocket connection established", "remote", r.RemoteAddr)

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	go s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		conn.Close()
		s.logger.Info("websocket connection closed", "remote", conn.RemoteAddr())
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var writeMu sync.Mutex
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-s.shutdownCh:
				return
			case <-pingTicker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		go s.dispatch(conn, &writeMu, message)
	}
}

// dispatch parses one inbound frame and routes it to the Registry,
// writing back a response, error, or stream of messages as appropriate.
// Each inbound message is handled in its own goroutine so a slow
// streaming request (Watch) never blocks request/response traffic on the
// same connection.
func (s *Server) dispatch(conn *websocket.Conn, writeMu *sync.Mutex, raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		s.writeJSON(conn, writeMu, NewErrorResponse(uuid.NewString(), "invalid_message", err.Error(), nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logReq := &dklog.RPCRequest{
		Method:        msg.Method,
		CorrelationID: msg.CorrelationID,
		RemoteAddr:    conn.RemoteAddr().String(),
	}
	dklog.LogRPCRequest(s.logger, logReq)
	start := time.Now()

	if s.config.Registry.HasStreamMethod(msg.Method) {
		writer := NewStreamWriter(conn, writeMu, msg.CorrelationID, uuid.NewString())
		err := s.config.Registry.HandleStream(ctx, msg, writer)
		s.observeRPC(msg.Method, err, start)
		s.logRPCOutcome(logReq, err, start)
		if err != nil {
			s.writeJSON(conn, writeMu, NewErrorResponse(msg.CorrelationID, "stream_failed", err.Error(), nil))
		}
		return
	}

	resp, err := s.config.Registry.Handle(ctx, msg)
	s.observeRPC(msg.Method, err, start)
	s.logRPCOutcome(logReq, err, start)
	if err != nil {
		s.writeJSON(conn, writeMu, NewErrorResponse(msg.CorrelationID, "handler_failed", err.Error(), nil))
		return
	}
	s.writeJSON(conn, writeMu, resp)
}

func (s *Server) logRPCOutcome(req *dklog.RPCRequest, err error, start time.Time) {
	resp := &dklog.RPCResponse{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	dklog.LogRPCResponse(s.logger, req, resp)
}

func (s *Server) observeRPC(method string, err error, start time.Time) {
	if s.config.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.config.Metrics.ObserveRPC(method, outcome, time.Since(start))
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, v *Message) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Debug("write failed", "error", err)
	}
}

// Shutdown gracefully shuts down the server, closing all connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.logger.Info("rpc server shutting down")

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		s.connMu.Lock()
		for conn := range s.connections {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		}
		s.connMu.Unlock()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					shutdownErr = ErrShutdownTimeout
				} else {
					shutdownErr = err
				}
			}
		}
		s.logger.Info("rpc server shutdown complete")
	})
	return shutdownErr
}

func (s *Server) Close() error { return s.Shutdown(context.Background()) }
