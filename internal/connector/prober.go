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
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/agentlink/internal/log"
)

// Prober checks an agent's HTTP health endpoint and records the result
// on the connection's status.
type Prober struct {
	store   *Store
	client  *http.Client
	path    string
	timeout time.Duration
	logger  *slog.Logger
	events  *eventEmitter
}

func newProber(store *Store, client *http.Client, path string, timeout time.Duration, logger *slog.Logger, events *eventEmitter) *Prober {
	return &Prober{
		store:   store,
		client:  client,
		path:    path,
		timeout: timeout,
		logger:  logger,
		events:  events,
	}
}

// Probe issues GET <url><health path> and reports whether the agent
// answered 2xx. Transport failures are logged and reported as unhealthy
// rather than returned. Last activity is updated in every case.
func (p *Prober) Probe(ctx context.Context, id string) (bool, error) {
	conn, ok := p.store.Get(id)
	if !ok {
		return false, errConnectionNotFound(id)
	}
	defer p.store.Touch(id)

	healthy := p.check(ctx, conn)
	status := StatusError
	if healthy {
		status = StatusConnected
	}
	p.store.UpdateStatus(id, status)
	recordProbe(healthy)
	p.events.emit(EventProbed, id, "connection probed", map[string]any{"healthy": healthy})

	return healthy, nil
}

func (p *Prober) check(ctx context.Context, conn Connection) bool {
	logger := log.WithConnection(p.logger, conn.ID)

	target, err := healthURL(conn.URL, p.path)
	if err != nil {
		logger.Warn("health probe skipped", "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.Warn("health probe request invalid", "error", err)
		return false
	}
	if conn.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+string(conn.Credential))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Warn("health probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("health probe unhealthy", "status", resp.StatusCode)
		return false
	}
	return true
}
