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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/agentlink/internal/log"
	"github.com/tombee/agentlink/internal/tracing"
)

// DefaultRequestTimeout applies when a caller passes a zero timeout.
const DefaultRequestTimeout = 30 * time.Second

// sessionLookup resolves the open session for a connection, or nil.
type sessionLookup interface {
	lookup(connID string) *Session
}

// pendingRequest is an outstanding call. Its result slot is written once.
type pendingRequest struct {
	id       string
	connID   string
	method   string
	issuedAt time.Time
	deadline time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

// resolve stores the outcome. Only the first call has any effect.
func (p *pendingRequest) resolve(result json.RawMessage, err error) bool {
	won := false
	p.once.Do(func() {
		p.result, p.err = result, err
		close(p.done)
		won = true
	})
	return won
}

// Correlator matches responses to outstanding requests by identifier.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	ids            idGenerator
	sessions       sessionLookup
	store          *Store
	defaultTimeout time.Duration
	tracer         trace.Tracer
	logger         *slog.Logger
	now            func() time.Time
}

func newCorrelator(sessions sessionLookup, store *Store, defaultTimeout time.Duration, tracer trace.Tracer, logger *slog.Logger, now func() time.Time) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultRequestTimeout
	}
	return &Correlator{
		pending:        make(map[string]*pendingRequest),
		sessions:       sessions,
		store:          store,
		defaultTimeout: defaultTimeout,
		tracer:         tracer,
		logger:         logger,
		now:            now,
	}
}

// SendRequest sends method with params on the connection's open session
// and waits for the matching response. A timeout <= 0 uses the default.
// No pending entry is created when the connection has no open session.
func (c *Correlator) SendRequest(ctx context.Context, connID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	s := c.sessions.lookup(connID)
	if s == nil {
		return nil, errNoOpenSession(connID)
	}
	return c.call(ctx, s, method, params, timeout)
}

func (c *Correlator) call(ctx context.Context, s *Session, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	ctx, span := c.tracer.Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("agentlink.connection_id", s.connID),
		),
	)
	defer span.End()

	issued := c.now()
	p := &pendingRequest{
		id:       c.ids.next(),
		connID:   s.connID,
		method:   method,
		issuedAt: issued,
		deadline: issued.Add(timeout),
		done:     make(chan struct{}),
	}
	span.SetAttributes(attribute.String("rpc.request_id", p.id))

	rpcCall := &log.RPCCall{
		ConnectionID:  s.connID,
		RequestID:     p.id,
		Method:        method,
		CorrelationID: tracing.FromContextOrEmpty(ctx).String(),
	}

	// Register before writing so a fast response always finds its entry.
	c.register(p)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	err := s.send(ctx, request{
		JSONRPC:   jsonrpcVersion,
		ID:        p.id,
		Method:    method,
		Params:    params,
		Timestamp: timestamp(issued),
	})
	if err != nil {
		if c.take(p.id) {
			p.resolve(nil, err)
		}
	} else {
		c.store.Touch(s.connID)
		log.LogRPCSent(ctx, c.logger, rpcCall)
	}

	select {
	case <-p.done:
	case <-timer.C:
		if c.take(p.id) {
			p.resolve(nil, errRequestTimeout(method, timeout))
		}
	case <-ctx.Done():
		if c.take(p.id) {
			p.resolve(nil, errCancelled(ctx.Err()))
		}
	}
	// Whoever took the entry resolves it; wait for that to land.
	<-p.done

	elapsed := time.Since(issued)
	outcome := outcomeOf(p.err)
	recordRequest(method, outcome, elapsed)
	log.LogRPCResolved(ctx, c.logger, rpcCall, outcome, elapsed, p.err)
	span.SetAttributes(attribute.String("agentlink.outcome", outcome))
	if p.err != nil {
		span.RecordError(p.err)
		span.SetStatus(codes.Error, p.err.Error())
		return nil, p.err
	}
	span.SetStatus(codes.Ok, "")
	return p.result, nil
}

func (c *Correlator) register(p *pendingRequest) {
	c.mu.Lock()
	c.pending[p.id] = p
	c.mu.Unlock()
	pendingRequests.Inc()
}

// take removes the entry and reports whether this caller removed it.
func (c *Correlator) take(id string) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		pendingRequests.Dec()
	}
	return ok
}

// Resolve delivers a response frame received on connID. It reports false
// when no pending request on that connection has the frame's id.
func (c *Correlator) Resolve(connID string, msg *Message) bool {
	id := msg.RequestID()
	if id == "" {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && p.connID != connID {
		ok = false
	}
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pendingRequests.Dec()

	if msg.Error != nil {
		p.resolve(nil, errRemote(p.method, msg.Error.Code, msg.Error.Message))
		return true
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	p.resolve(result, nil)
	return true
}

// FailConnection resolves every pending request on connID with
// SessionClosed and returns how many were failed.
func (c *Correlator) FailConnection(connID string) int {
	c.mu.Lock()
	var failed []*pendingRequest
	for id, p := range c.pending {
		if p.connID == connID {
			failed = append(failed, p)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		pendingRequests.Dec()
		p.resolve(nil, errSessionClosed(connID))
	}
	return len(failed)
}

// PendingCount returns the number of outstanding requests, optionally
// restricted to one connection when connID is non-empty.
func (c *Correlator) PendingCount(connID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if connID == "" {
		return len(c.pending)
	}
	n := 0
	for _, p := range c.pending {
		if p.connID == connID {
			n++
		}
	}
	return n
}
