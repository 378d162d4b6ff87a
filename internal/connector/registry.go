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
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/agentlink/internal/log"
	"github.com/tombee/agentlink/internal/tracing"
	agenterrors "github.com/tombee/agentlink/pkg/errors"
	"github.com/tombee/agentlink/pkg/httpclient"
)

// Agent preset applied by ConnectAgent.
const (
	AgentPresetName = "Devon.ai Agent"
	DefaultAgentURL = "https://api.devon.ai"
)

// AgentPresetCapabilities are the capabilities recorded for ConnectAgent.
var AgentPresetCapabilities = []string{
	"code_generation",
	"task_automation",
	"file_operations",
	"terminal_access",
}

// Options configures a Registry. Zero values take the defaults from
// DefaultOptions, except PingInterval where zero disables keepalive.
type Options struct {
	// ClientInfo identifies this client in the handshake.
	ClientInfo mcp.Implementation
	// ProtocolVersion is offered in the handshake.
	ProtocolVersion string
	// ProtocolSuffix is the path appended to a connection's URL for the
	// websocket endpoint.
	ProtocolSuffix string

	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	ProbeTimeout     time.Duration
	PingInterval     time.Duration

	// HealthPath is probed with GET on each connection's URL.
	HealthPath string
	// ProbeRetryAttempts retries failed probes on transient errors.
	ProbeRetryAttempts int

	// RequestsPerSecond limits outbound frames per session. Zero is unlimited.
	RequestsPerSecond float64
	// MaxMessageBytes caps inbound frame size. Zero is unlimited.
	MaxMessageBytes int64

	// Platform is added to every task context.
	Platform string

	Logger     *slog.Logger
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Now        func() time.Time

	// OnToolsChanged receives the refreshed tool list after the peer
	// announces a change.
	OnToolsChanged func(connID string, tools []Tool)
	// OnResourcesChanged receives the refreshed resource list.
	OnResourcesChanged func(connID string, resources []Resource)
	// OnEvent receives every lifecycle event.
	OnEvent func(Event)
}

// DefaultOptions returns the default registry configuration.
func DefaultOptions() Options {
	return Options{
		ClientInfo:       mcp.Implementation{Name: "agentlink", Version: "1.0.0"},
		ProtocolVersion:  DefaultProtocolVersion,
		ProtocolSuffix:   "mcp",
		HandshakeTimeout: 10 * time.Second,
		RequestTimeout:   DefaultRequestTimeout,
		ProbeTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		HealthPath:       "/health",
		MaxMessageBytes:  4 << 20,
		Platform:         "industrial_automation",
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.ClientInfo.Name == "" {
		o.ClientInfo = d.ClientInfo
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = d.ProtocolVersion
	}
	if o.ProtocolSuffix == "" {
		o.ProtocolSuffix = d.ProtocolSuffix
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = d.ProbeTimeout
	}
	if o.HealthPath == "" {
		o.HealthPath = d.HealthPath
	}
	if o.Platform == "" {
		o.Platform = d.Platform
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) validate() error {
	switch {
	case o.ProbeRetryAttempts < 0:
		return errValidation(&agenterrors.ValidationError{Field: "probe_retry_attempts", Message: "must be >= 0"})
	case o.RequestsPerSecond < 0:
		return errValidation(&agenterrors.ValidationError{Field: "requests_per_second", Message: "must be >= 0"})
	case o.MaxMessageBytes < 0:
		return errValidation(&agenterrors.ValidationError{Field: "max_message_bytes", Message: "must be >= 0"})
	case o.PingInterval < 0:
		return errValidation(&agenterrors.ValidationError{Field: "ping_interval", Message: "must be >= 0"})
	}
	return nil
}

// Registry is the facade over connection records, sessions, requests and
// notifications. It is safe for concurrent use.
type Registry struct {
	opts       Options
	store      *Store
	prober     *Prober
	transport  *Transport
	correlator *Correlator
	router     *Router
	events     *eventEmitter
	logger     *slog.Logger

	// ctx bounds background list refreshes; cancelled by Close.
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Registry from opts.
func New(opts Options) (*Registry, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	logger := log.WithComponent(opts.Logger, "connector")

	client := opts.HTTPClient
	if client == nil {
		var err error
		client, err = httpclient.New(httpclient.Config{
			Timeout:       opts.ProbeTimeout,
			RetryAttempts: opts.ProbeRetryAttempts,
			RetryBackoff:  200 * time.Millisecond,
			MaxBackoff:    2 * time.Second,
			UserAgent:     opts.ClientInfo.Name + "/" + opts.ClientInfo.Version,
			Logger:        logger,
		})
		if err != nil {
			return nil, agenterrors.Wrap(err, "building probe client")
		}
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tombee/agentlink/internal/connector")
	}

	store := NewStore(opts.Now)
	events := newEventEmitter(logger, opts.OnEvent, opts.Now)
	router := newRouter(logger)
	transport := newTransport(store, router, opts.Dialer, transportOptions{
		suffix:           opts.ProtocolSuffix,
		handshakeTimeout: opts.HandshakeTimeout,
		pingInterval:     opts.PingInterval,
		rps:              opts.RequestsPerSecond,
		maxMessageBytes:  opts.MaxMessageBytes,
		protocolVersion:  opts.ProtocolVersion,
		clientInfo:       opts.ClientInfo,
	}, logger, events, opts.Now)
	correlator := newCorrelator(transport, store, opts.RequestTimeout, tracer, logger, opts.Now)
	transport.correlator = correlator
	store.onRemove = transport.Close

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:       opts,
		store:      store,
		prober:     newProber(store, client, opts.HealthPath, opts.ProbeTimeout, logger, events),
		transport:  transport,
		correlator: correlator,
		router:     router,
		events:     events,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.installHandlers()
	return r, nil
}

func (r *Registry) installHandlers() {
	markConnected := func(_ context.Context, connID string, _ *Message) error {
		r.store.UpdateStatus(connID, StatusConnected)
		return nil
	}
	r.router.OnNotification(MethodFilter(MethodInitialized), markConnected)
	r.router.OnNotification(MethodFilter(MethodNotificationInitialized), markConnected)

	// List refreshes issue requests on the same session, so they run off
	// the read loop.
	r.router.OnNotification(MethodFilter(MethodToolsListChanged), func(_ context.Context, connID string, _ *Message) error {
		r.background(func(ctx context.Context) { r.refreshTools(ctx, connID) })
		return nil
	})
	r.router.OnNotification(MethodFilter(MethodResourcesListChanged), func(_ context.Context, connID string, _ *Message) error {
		r.background(func(ctx context.Context) { r.refreshResources(ctx, connID) })
		return nil
	})

	r.router.OnNotification(FilterFunc(func(msg *Message) bool {
		return msg.Method == methodPing && msg.RequestID() != ""
	}), func(ctx context.Context, connID string, msg *Message) error {
		return r.transport.respond(ctx, connID, msg.ID, struct{}{})
	})
}

func (r *Registry) background(fn func(ctx context.Context)) {
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn(r.ctx)
	}()
}

func (r *Registry) refreshTools(ctx context.Context, connID string) {
	tools, err := r.listTools(ctx, connID)
	if err != nil {
		log.WithConnection(r.logger, connID).Warn("tool list refresh failed", "error", err)
		return
	}
	r.events.emit(EventToolsChanged, connID, "tool list changed", map[string]any{"count": len(tools)})
	if r.opts.OnToolsChanged != nil {
		r.opts.OnToolsChanged(connID, tools)
	}
}

func (r *Registry) refreshResources(ctx context.Context, connID string) {
	resources, err := r.ListResources(ctx, connID)
	if err != nil {
		log.WithConnection(r.logger, connID).Warn("resource list refresh failed", "error", err)
		return
	}
	r.events.emit(EventResourcesChanged, connID, "resource list changed", map[string]any{"count": len(resources)})
	if r.opts.OnResourcesChanged != nil {
		r.opts.OnResourcesChanged(connID, resources)
	}
}

// AddConnection validates spec, records it and probes its health
// endpoint. The id is returned even when the probe finds the agent
// unhealthy; check the record's status.
func (r *Registry) AddConnection(ctx context.Context, spec ConnectionSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if spec.Kind == "" {
		spec.Kind = KindCustom
	}

	ctx, _ = tracing.Ensure(ctx)
	id := r.store.Create(spec)
	log.WithConnection(r.logger, id).Info("connection added",
		"name", spec.Name,
		"kind", string(spec.Kind),
		"url", httpclient.SanitizeURL(spec.URL))

	if _, err := r.prober.Probe(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// ConnectAgent adds a connection using the agent preset. An empty url
// uses DefaultAgentURL.
func (r *Registry) ConnectAgent(ctx context.Context, credential Credential, url string) (string, error) {
	if url == "" {
		url = DefaultAgentURL
	}
	return r.AddConnection(ctx, ConnectionSpec{
		Name:         AgentPresetName,
		Kind:         KindAgent,
		URL:          url,
		Credential:   credential,
		Capabilities: slices.Clone(AgentPresetCapabilities),
	})
}

// TestConnection probes the connection's health endpoint.
func (r *Registry) TestConnection(ctx context.Context, id string) (bool, error) {
	ctx, _ = tracing.Ensure(ctx)
	return r.prober.Probe(ctx, id)
}

// InitializeSession opens the connection's session. It is a no-op when a
// session is already open.
//
// The upgrade carries ctx's correlation ID, or a fresh one if ctx has none.
func (r *Registry) InitializeSession(ctx context.Context, id string) error {
	ctx, _ = tracing.Ensure(ctx)
	_, err := r.transport.Open(ctx, id)
	return err
}

// Session returns the connection's open session, if any.
func (r *Registry) Session(id string) (*Session, bool) {
	s := r.transport.lookup(id)
	return s, s != nil
}

// SendRequest sends an arbitrary request on the connection's session and
// returns the raw result. A timeout <= 0 uses the configured default.
func (r *Registry) SendRequest(ctx context.Context, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if _, ok := r.store.Get(id); !ok {
		return nil, errConnectionNotFound(id)
	}
	ctx, _ = tracing.Ensure(ctx)
	return r.correlator.SendRequest(ctx, id, method, params, timeout)
}

// SendTask submits a task. taskCtx is merged over the platform and
// timestamp defaults.
func (r *Registry) SendTask(ctx context.Context, id, task string, taskCtx map[string]any) (json.RawMessage, error) {
	merged := map[string]any{
		"platform":  r.opts.Platform,
		"timestamp": timestamp(r.opts.Now()),
	}
	maps.Copy(merged, taskCtx)
	return r.SendRequest(ctx, id, MethodTasksCreate, createTaskParams{Task: task, Context: merged}, 0)
}

// ListTools returns the tools the peer advertises. Failures are logged
// and yield an empty list.
func (r *Registry) ListTools(ctx context.Context, id string) []Tool {
	tools, err := r.listTools(ctx, id)
	if err != nil {
		log.WithConnection(r.logger, id).Warn("listing tools failed", "error", err)
		return []Tool{}
	}
	return tools
}

func (r *Registry) listTools(ctx context.Context, id string) ([]Tool, error) {
	result, err := r.SendRequest(ctx, id, MethodToolsList, struct{}{}, 0)
	if err != nil {
		return nil, err
	}
	return decodeTools(result)
}

// ListResources returns the resources the peer advertises.
func (r *Registry) ListResources(ctx context.Context, id string) ([]Resource, error) {
	result, err := r.SendRequest(ctx, id, MethodResourcesList, struct{}{}, 0)
	if err != nil {
		return nil, err
	}
	return decodeResources(result)
}

// CallTool invokes a tool on the peer and returns its raw result.
func (r *Registry) CallTool(ctx context.Context, id, name string, args any) (json.RawMessage, error) {
	if args == nil {
		args = struct{}{}
	}
	return r.SendRequest(ctx, id, MethodToolsCall, callToolParams{Name: name, Arguments: args}, 0)
}

// RemoveConnection closes any open session and deletes the record. It
// reports false for unknown ids.
func (r *Registry) RemoveConnection(id string) bool {
	if !r.store.Remove(id) {
		return false
	}
	r.events.emit(EventConnectionRemoved, id, "connection removed", nil)
	return true
}

// GetConnection returns a snapshot of the record.
func (r *Registry) GetConnection(id string) (Connection, bool) {
	return r.store.Get(id)
}

// ListConnections returns snapshots of every record in insertion order.
func (r *Registry) ListConnections() []Connection {
	return r.store.List()
}

// OnNotification subscribes handler to uncorrelated inbound frames.
//
// Handlers run on the session's read loop. A handler that sends a request
// on the same connection and waits for the reply blocks that loop, so the
// reply is never read and the request times out. Use OnNotificationAsync
// for handlers that talk back to the agent.
func (r *Registry) OnNotification(filter Filter, handler Handler) (unsubscribe func()) {
	return r.router.OnNotification(filter, handler)
}

// OnNotificationAsync is like OnNotification but runs each matching
// handler on its own goroutine, bound to the registry's lifetime rather
// than the read loop. Failures are logged and counted the same way.
func (r *Registry) OnNotificationAsync(filter Filter, handler Handler) (unsubscribe func()) {
	return r.router.OnNotification(filter, func(_ context.Context, connID string, msg *Message) error {
		r.background(func(ctx context.Context) {
			if err := r.router.invoke(ctx, handler, connID, msg); err != nil {
				handlerFailures.Inc()
				log.WithConnection(r.logger, connID).Error("notification handler failed",
					log.MethodKey, msg.Method,
					"error", err)
			}
		})
		return nil
	})
}

// PendingRequests returns the number of requests awaiting a response on
// the connection, or on all connections when id is empty.
func (r *Registry) PendingRequests(id string) int {
	return r.correlator.PendingCount(id)
}

// Summary counts connections by status.
func (r *Registry) Summary() Summary {
	var s Summary
	for _, c := range r.store.List() {
		s.Total++
		switch c.Status {
		case StatusConnected:
			s.Connected++
		case StatusDisconnected:
			s.Disconnected++
		case StatusError:
			s.Error++
		}
	}
	s.OpenSessions = r.transport.Count()
	return s
}

// Close tears down every session and waits for background work. Records
// are kept. Close is idempotent.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.transport.Shutdown()
		r.wg.Wait()
	})
	return nil
}
