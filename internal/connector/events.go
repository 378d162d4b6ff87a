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
	"log/slog"
	"time"

	"github.com/tombee/agentlink/internal/log"
)

// EventType is a connection lifecycle event.
type EventType string

const (
	EventProbed            EventType = "probed"
	EventSessionOpened     EventType = "session_opened"
	EventSessionClosed     EventType = "session_closed"
	EventHandshakeFailed   EventType = "handshake_failed"
	EventToolsChanged      EventType = "tools_changed"
	EventResourcesChanged  EventType = "resources_changed"
	EventConnectionRemoved EventType = "connection_removed"
)

// Event describes something that happened to a connection.
type Event struct {
	Type         EventType      `json:"type"`
	ConnectionID string         `json:"connection_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// eventEmitter logs lifecycle events and forwards them to an optional sink.
type eventEmitter struct {
	logger *slog.Logger
	sink   func(Event)
	now    func() time.Time
}

func newEventEmitter(logger *slog.Logger, sink func(Event), now func() time.Time) *eventEmitter {
	return &eventEmitter{logger: logger, sink: sink, now: now}
}

func (e *eventEmitter) emit(typ EventType, connID, message string, details map[string]any) {
	ev := Event{
		Type:         typ,
		ConnectionID: connID,
		Timestamp:    e.now(),
		Message:      message,
		Details:      details,
	}

	attrs := []any{
		log.EventKey, string(ev.Type),
		log.ConnectionIDKey, ev.ConnectionID,
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}
	e.logger.Info(message, attrs...)

	if e.sink != nil {
		e.sink(ev)
	}
}
