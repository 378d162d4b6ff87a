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

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/time/rate"

	"github.com/tombee/agentlink/internal/log"
	"github.com/tombee/agentlink/internal/tracing"
	agenterrors "github.com/tombee/agentlink/pkg/errors"
	"github.com/tombee/agentlink/pkg/httpclient"
)

const writeWait = 10 * time.Second

// pongWaitFactor is how many ping intervals may pass without any inbound
// frame or pong before the peer is considered gone.
const pongWaitFactor = 3

// Session is the open duplex channel to one connection plus the state
// negotiated in the handshake.
type Session struct {
	connID   string
	endpoint string
	conn     *websocket.Conn
	limiter  *rate.Limiter
	openedAt time.Time
	info     mcp.InitializeResult

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// ConnectionID returns the id of the connection this session belongs to.
func (s *Session) ConnectionID() string { return s.connID }

// Endpoint returns the sanitized websocket endpoint.
func (s *Session) Endpoint() string { return s.endpoint }

// OpenedAt returns when the channel was established.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// ServerInfo returns the peer's self-description from the handshake.
func (s *Session) ServerInfo() mcp.Implementation { return s.info.ServerInfo }

// ProtocolVersion returns the protocol version the peer agreed to.
func (s *Session) ProtocolVersion() string { return s.info.ProtocolVersion }

// ServerCapabilities returns the capabilities the peer advertised.
func (s *Session) ServerCapabilities() mcp.ServerCapabilities { return s.info.Capabilities }

// Done is closed when the session's channel has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// send marshals v and writes it as one text frame. Writes are serialised.
func (s *Session) send(ctx context.Context, v any) error {
	if s.limiter != nil {
		start := time.Now()
		if err := s.limiter.Wait(ctx); err != nil {
			return errCancelled(err)
		}
		rateLimitWaits.Observe(time.Since(start).Seconds())
	}
	if s.closed() {
		return errSessionClosed(s.connID)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return &Error{
			Code:    CodeValidation,
			Message: "request params are not encodable",
			Cause:   &agenterrors.ValidationError{Field: "params", Message: err.Error()},
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errTransport("write", s.endpoint, err)
	}
	return nil
}

type transportOptions struct {
	suffix           string
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	rps              float64
	maxMessageBytes  int64
	protocolVersion  string
	clientInfo       mcp.Implementation
}

// openCall lets concurrent Open calls for one connection share a dial.
type openCall struct {
	done    chan struct{}
	session *Session
	err     error
}

// Transport owns the open sessions, at most one per connection.
type Transport struct {
	store      *Store
	correlator *Correlator
	router     *Router
	dialer     *websocket.Dialer
	opts       transportOptions
	logger     *slog.Logger
	events     *eventEmitter
	now        func() time.Time

	// ctx is passed to notification handlers and cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]*openCall
	shutdown bool
	wg       sync.WaitGroup
}

func newTransport(store *Store, router *Router, dialer *websocket.Dialer, opts transportOptions, logger *slog.Logger, events *eventEmitter, now func() time.Time) *Transport {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.handshakeTimeout,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		store:    store,
		router:   router,
		dialer:   dialer,
		opts:     opts,
		logger:   logger,
		events:   events,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
		opening:  make(map[string]*openCall),
	}
}

// lookup implements sessionLookup. Sessions already being torn down are
// not returned.
func (t *Transport) lookup(connID string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[connID]
	if s == nil || s.closed() {
		return nil
	}
	return s
}

// pongWait is the read deadline extension granted by each inbound frame
// or pong. Zero when keepalive is disabled.
func (t *Transport) pongWait() time.Duration {
	return pongWaitFactor * t.opts.pingInterval
}

// Count returns the number of open sessions.
func (t *Transport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Open dials the connection's protocol endpoint and performs the
// handshake. An already-open session is returned as is.
func (t *Transport) Open(ctx context.Context, id string) (*Session, error) {
	if _, ok := t.store.Get(id); !ok {
		return nil, errConnectionNotFound(id)
	}

	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil, errSessionClosed(id)
	}
	if s, ok := t.sessions[id]; ok && !s.closed() {
		t.mu.Unlock()
		log.WithConnection(t.logger, id).Debug("session already open")
		return s, nil
	}
	if call, ok := t.opening[id]; ok {
		t.mu.Unlock()
		select {
		case <-call.done:
			return call.session, call.err
		case <-ctx.Done():
			return nil, errCancelled(ctx.Err())
		}
	}
	call := &openCall{done: make(chan struct{})}
	t.opening[id] = call
	t.wg.Add(1)
	t.mu.Unlock()

	call.session, call.err = t.open(ctx, id)

	t.mu.Lock()
	delete(t.opening, id)
	t.mu.Unlock()
	close(call.done)
	t.wg.Done()

	return call.session, call.err
}

func (t *Transport) open(ctx context.Context, id string) (*Session, error) {
	conn, ok := t.store.Get(id)
	if !ok {
		return nil, errConnectionNotFound(id)
	}
	logger := log.WithConnection(t.logger, id)

	endpoint, err := wsEndpoint(conn.URL, t.opts.suffix)
	if err != nil {
		t.store.UpdateStatus(id, StatusError)
		return nil, errValidation(&agenterrors.ValidationError{Field: "url", Message: err.Error()})
	}
	safeEndpoint := httpclient.SanitizeURL(endpoint)

	header := http.Header{}
	if conn.Credential != "" {
		header.Set("Authorization", "Bearer "+string(conn.Credential))
	}
	if cid := tracing.FromContextOrEmpty(ctx); cid != "" {
		header.Set(tracing.HeaderCorrelationID, cid.String())
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.handshakeTimeout)
	ws, resp, err := t.dialer.DialContext(dialCtx, endpoint, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		logger.Warn("session dial failed", "endpoint", safeEndpoint, "error", err)
		t.store.UpdateStatus(id, StatusError)
		t.store.Touch(id)
		if ctx.Err() != nil {
			return nil, errCancelled(ctx.Err())
		}
		return nil, errTransport("dial", safeEndpoint, err)
	}
	if t.opts.maxMessageBytes > 0 {
		ws.SetReadLimit(t.opts.maxMessageBytes)
	}
	if wait := t.pongWait(); wait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(t.opts.handshakeTimeout + wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	s := &Session{
		connID:   id,
		endpoint: safeEndpoint,
		conn:     ws,
		openedAt: t.now(),
		done:     make(chan struct{}),
	}
	if t.opts.rps > 0 {
		burst := int(t.opts.rps)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(t.opts.rps), burst)
	}

	t.wg.Add(1)
	go t.readLoop(s)

	params := newInitializeParams(t.opts.protocolVersion, t.opts.clientInfo)
	result, err := t.correlator.call(ctx, s, MethodInitialize, params, t.opts.handshakeTimeout)
	if err != nil {
		t.teardown(s, true)
		t.store.UpdateStatus(id, StatusError)
		t.store.Touch(id)
		t.events.emit(EventHandshakeFailed, id, "handshake failed", map[string]any{"error": err.Error()})
		return nil, errHandshakeFailed(id, err)
	}
	if err := json.Unmarshal(result, &s.info); err != nil {
		logger.Warn("handshake result not understood", "error", err)
	}

	t.mu.Lock()
	_, exists := t.store.Get(id)
	if !exists || t.shutdown || s.closed() {
		t.mu.Unlock()
		t.teardown(s, true)
		return nil, errSessionClosed(id)
	}
	t.sessions[id] = s
	if t.opts.pingInterval > 0 {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	activeSessions.Inc()

	t.store.UpdateStatus(id, StatusConnected)
	t.store.Touch(id)

	notice := request{
		JSONRPC:   jsonrpcVersion,
		Method:    MethodNotificationInitialized,
		Timestamp: timestamp(t.now()),
	}
	if err := s.send(ctx, notice); err != nil {
		logger.Warn("initialized notification not sent", "error", err)
	}

	if t.opts.pingInterval > 0 {
		go t.keepalive(s)
	}

	t.events.emit(EventSessionOpened, id, "session opened", map[string]any{
		"endpoint":         safeEndpoint,
		"protocol_version": s.info.ProtocolVersion,
		"server":           s.info.ServerInfo.Name,
	})
	return s, nil
}

// Close tears down the connection's session, if any. It is idempotent.
func (t *Transport) Close(id string) {
	if s := t.lookup(id); s != nil {
		t.teardown(s, true)
	}
}

// teardown runs once per session whichever side closed it: the channel is
// closed, pending requests fail with SessionClosed and, if the session
// was the registered one, the record becomes disconnected.
func (t *Transport) teardown(s *Session, local bool) {
	s.closeOnce.Do(func() {
		close(s.done)
		if local {
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
		}
		_ = s.conn.Close()

		t.mu.Lock()
		registered := t.sessions[s.connID] == s
		if registered {
			delete(t.sessions, s.connID)
		}
		t.mu.Unlock()
		if registered {
			activeSessions.Dec()
			t.store.UpdateStatus(s.connID, StatusDisconnected)
		}

		// Callers woken with SessionClosed must already see the record
		// disconnected and no session.
		failed := t.correlator.FailConnection(s.connID)
		if !registered {
			return
		}

		initiator := "remote"
		if local {
			initiator = "local"
		}
		t.events.emit(EventSessionClosed, s.connID, "session closed", map[string]any{
			"initiator":      initiator,
			"pending_failed": failed,
		})
	})
}

// readLoop classifies inbound frames in arrival order until the channel
// fails, then tears the session down.
func (t *Transport) readLoop(s *Session) {
	defer t.wg.Done()
	logger := log.WithConnection(t.logger, s.connID)
	wait := t.pongWait()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed() {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					logger.Warn("peer stopped responding", "pong_wait", wait)
				} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn("session read failed", "error", err)
				} else {
					logger.Debug("session closed by peer", "error", err)
				}
			}
			t.teardown(s, false)
			return
		}
		if wait > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		}
		log.Trace(t.ctx, logger, "frame received", slog.Int("bytes", len(data)), slog.String("frame", string(data)))

		msg, err := decodeMessage(data)
		if err != nil {
			logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}
		if msg.Method == "" && t.correlator.Resolve(s.connID, msg) {
			continue
		}
		t.router.Dispatch(t.ctx, s.connID, msg)
	}
}

func (t *Transport) keepalive(s *Session) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.WithConnection(t.logger, s.connID).Debug("keepalive ping failed", "error", err)
				t.teardown(s, false)
				return
			}
		}
	}
}

// respond answers a peer-initiated request on the connection's session.
func (t *Transport) respond(ctx context.Context, connID string, id json.RawMessage, result any) error {
	s := t.lookup(connID)
	if s == nil {
		return errNoOpenSession(connID)
	}
	return s.send(ctx, response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

// Shutdown closes every session and waits for their goroutines to exit.
// Later Open calls fail.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	open := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		open = append(open, s)
	}
	t.mu.Unlock()

	for _, s := range open {
		t.teardown(s, true)
	}
	t.cancel()
	t.wg.Wait()
}
