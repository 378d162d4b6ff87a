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
	"time"
)

// RPCCall describes one outbound protocol request for logging purposes.
type RPCCall struct {
	// ConnectionID is the connection the request was sent on.
	ConnectionID string

	// RequestID is the protocol-level request identifier.
	RequestID string

	// Method is the protocol method name (e.g., "tools/list").
	Method string

	// CorrelationID links the request to a caller-side trace, if any.
	CorrelationID string
}

func (c *RPCCall) attrs(event string) []any {
	attrs := []any{
		EventKey, event,
		ConnectionIDKey, c.ConnectionID,
		RequestIDKey, c.RequestID,
		MethodKey, c.Method,
	}
	if c.CorrelationID != "" {
		attrs = append(attrs, "correlation_id", c.CorrelationID)
	}
	return attrs
}

// LogRPCSent logs a request that has been written to the session.
func LogRPCSent(ctx context.Context, logger *slog.Logger, call *RPCCall) {
	logger.DebugContext(ctx, "rpc request sent", call.attrs("rpc_request")...)
}

// LogRPCResolved logs the outcome of a request. Failures are logged at warn;
// they are also returned to the caller, so this is not the only record.
func LogRPCResolved(ctx context.Context, logger *slog.Logger, call *RPCCall, outcome string, duration time.Duration, err error) {
	attrs := append(call.attrs("rpc_response"),
		"outcome", outcome,
		DurationKey, duration.Milliseconds(),
	)

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		logger.WarnContext(ctx, "rpc request failed", attrs...)
		return
	}
	logger.DebugContext(ctx, "rpc request completed", attrs...)
}
