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

// Package connectortest provides a scripted fake agent for exercising the
// connector against a real websocket and HTTP endpoint.
package connectortest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Request is a frame received from the client.
type Request struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// IsNotification reports whether the frame carried no id.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

// RPCError is returned by a HandlerFunc to reply with an error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HandlerFunc produces the reply for one request.
type HandlerFunc func(req Request) (any, *RPCError)

// Tool is advertised in tools/list replies.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Server is a fake agent serving GET /health and a websocket at /mcp.
type Server struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	stop     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	stalled     bool
	health      int
	handlers    map[string]HandlerFunc
	silent      map[string]bool
	tools       []Tool
	conns       map[*websocket.Conn]*sync.Mutex
	received    []Request
	authHeaders []string
	correlation []string
	probes      int
	closeFrames int
	disconnects int
}

// NewServer starts a fake agent on a random loopback port. It reports
// healthy and answers the handshake, tools/list, tools/call (by echoing
// arguments) and resources/list.
func NewServer() *Server {
	s := newServer()
	s.srv = httptest.NewServer(s.mux())
	s.URL = s.srv.URL
	return s
}

// NewServerAt starts a fake agent listening on addr.
func NewServerAt(addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := newServer()
	s.srv = httptest.NewUnstartedServer(s.mux())
	_ = s.srv.Listener.Close()
	s.srv.Listener = l
	s.srv.Start()
	s.URL = s.srv.URL
	return s, nil
}

func newServer() *Server {
	return &Server{
		health:   http.StatusOK,
		handlers: make(map[string]HandlerFunc),
		silent:   make(map[string]bool),
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		stop:     make(chan struct{}),
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/mcp", s.handleSocket)
	return mux
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.DropConnections()
	s.srv.Close()
}

// SetHealth sets the status code /health responds with.
func (s *Server) SetHealth(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = code
}

// SetTools replaces the tools advertised by tools/list.
func (s *Server) SetTools(tools ...Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

// Handle overrides the reply for method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Silence makes the server record but never answer requests for method.
func (s *Server) Silence(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[method] = true
}

// Notify sends a notification to every connected client.
func (s *Server) Notify(method string, params any) error {
	frame := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Reply sends a result for id to every connected client. Use it to answer
// silenced requests late.
func (s *Server) Reply(id json.RawMessage, result any) error {
	data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Send writes a raw text frame to every connected client.
func (s *Server) Send(frame []byte) error {
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, m := range s.conns {
		conns[c] = m
	}
	s.mu.Unlock()

	if len(conns) == 0 {
		return errors.New("connectortest: no connected clients")
	}
	var errs []error
	for c, m := range conns {
		m.Lock()
		err := c.WriteMessage(websocket.TextMessage, frame)
		m.Unlock()
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Stall makes every connection stop reading, without closing, from the
// next frame or ping on. Pings go unanswered, like a half-open peer.
func (s *Server) Stall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = true
}

func (s *Server) isStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// DropConnections closes every client connection without a close frame.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Requests returns every frame received so far, in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.received...)
}

// RequestsFor returns the received frames with the given method.
func (s *Server) RequestsFor(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// AuthHeaders returns the Authorization header of every websocket upgrade.
func (s *Server) AuthHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authHeaders...)
}

// CorrelationIDs returns the X-Correlation-ID header of every websocket
// upgrade, empty where none was sent.
func (s *Server) CorrelationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.correlation...)
}

// Probes returns how many /health requests were served.
func (s *Server) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// Connections returns the number of currently connected clients.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseFrames returns how many close frames clients have sent.
func (s *Server) CloseFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFrames
}

// Disconnects returns how many client connections have ended.
func (s *Server) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	code := s.health
	s.probes++
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	status := "ok"
	if code < 200 || code > 299 {
		status = "unavailable"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = writeMu
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	s.correlation = append(s.correlation, r.Header.Get("X-Correlation-ID"))
	s.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		if s.isStalled() {
			<-s.stop
			return errors.New("connectortest: server closed")
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.disconnects++
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.mu.Lock()
				s.closeFrames++
				s.mu.Unlock()
			}
			return
		}
		if s.isStalled() {
			<-s.stop
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, req)
		silent := s.silent[req.Method]
		handler := s.handlers[req.Method]
		s.mu.Unlock()

		if req.IsNotification() || silent {
			continue
		}
		if handler == nil {
			handler = s.defaultHandler
		}
		result, rpcErr := handler(req)

		frame := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			frame["error"] = rpcErr
		} else {
			frame["result"] = result
		}
		out, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		writeMu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, out)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *Server) defaultHandler(req Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools":     map[string]any{"listChanged": true},
				"resources": map[string]any{"listChanged": true},
			},
			"serverInfo": map[string]any{"name": "connectortest", "version": "0.0.1"},
		}, nil
	case "tools/list":
		s.mu.Lock()
		tools := append([]Tool{}, s.tools...)
		s.mu.Unlock()
		return map[string]any{"tools": tools}, nil
	case "tools/call":
		var params struct {
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &RPCError{Code: -32602, Message: "invalid params"}
		}
		return params.Arguments, nil
	case "resources/list":
		return map[string]any{"resources": []any{}}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "method not found: " + req.Method}
}
