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
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/agentlink/internal/log"
)

// Handler processes one inbound notification. Returned errors are logged
// and never reach the sender.
type Handler func(ctx context.Context, connID string, msg *Message) error

// Filter selects which notifications a handler receives.
type Filter interface {
	Match(msg *Message) bool
}

// MethodFilter matches notifications by method name. "*" matches all.
type MethodFilter string

// Match implements Filter.
func (f MethodFilter) Match(msg *Message) bool {
	return f == "*" || string(f) == msg.Method
}

// FilterFunc adapts a predicate to a Filter.
type FilterFunc func(msg *Message) bool

// Match implements Filter.
func (f FilterFunc) Match(msg *Message) bool {
	return f(msg)
}

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Router dispatches uncorrelated inbound frames to subscribed handlers.
type Router struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func newRouter(logger *slog.Logger) *Router {
	return &Router{logger: logger}
}

// OnNotification registers handler for frames matching filter. Handlers run
// in registration order. The returned func removes the subscription.
func (r *Router) OnNotification(filter Filter, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, filter: filter, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Dispatch runs every matching handler synchronously. It returns the
// number of handlers that matched.
func (r *Router) Dispatch(ctx context.Context, connID string, msg *Message) int {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	if msg.Method != "" {
		recordNotification(msg.Method)
	}

	matched := 0
	for _, s := range subs {
		if !s.filter.Match(msg) {
			continue
		}
		matched++
		if err := r.invoke(ctx, s.handler, connID, msg); err != nil {
			handlerFailures.Inc()
			log.WithConnection(r.logger, connID).Error("notification handler failed",
				log.MethodKey, msg.Method,
				"error", err)
		}
	}

	if matched == 0 {
		attrs := []any{log.MethodKey, msg.Method}
		if id := msg.RequestID(); id != "" {
			attrs = append(attrs, log.RequestIDKey, id)
		}
		log.WithConnection(r.logger, connID).Debug("unhandled message", attrs...)
	}
	return matched
}

func (r *Router) invoke(ctx context.Context, h Handler, connID string, msg *Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return h(ctx, connID, msg)
}
