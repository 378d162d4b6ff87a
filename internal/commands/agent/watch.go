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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/agentlink/internal/commands/shared"
	"github.com/tombee/agentlink/internal/config"
	"github.com/tombee/agentlink/internal/connector"
	"github.com/tombee/agentlink/internal/log"
)

// methodLogMessage is the agent-to-client log notification.
const methodLogMessage = "notifications/message"

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	var (
		metricsAddr   string
		probeInterval time.Duration
		noReload      bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep configured agents connected and stream their events",
		Long: `Register every configured connection, open sessions for those with
auto_session set, and print lifecycle events until interrupted.

Connections are probed every probe.interval. A healthy connection with
auto_session whose session has dropped is reopened. Edits to the config
file add and remove connections without a restart.

When observability.metrics_addr (or --metrics-addr) is set, Prometheus
metrics are served at /metrics.`,
		Example: `  agentlink watch
  agentlink watch --metrics-addr :9464 --probe-interval 15s --json`,
		Annotations: map[string]string{"group": "agents"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, metricsAddr, probeInterval, noReload)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().DurationVar(&probeInterval, "probe-interval", 0, "Health probe interval (overrides probe.interval, 0 keeps config)")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "Do not watch the config file for changes")
	return cmd
}

func runWatch(cmd *cobra.Command, metricsAddr string, probeInterval time.Duration, noReload bool) error {
	ctx := commandContext(cmd)

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.Observability.MetricsAddr = metricsAddr
	}
	if probeInterval > 0 {
		cfg.Probe.Interval = probeInterval
	}

	m := newMonitor(cmd.OutOrStdout(), shared.GetJSON())
	rt, err := shared.NewRuntime(ctx, shared.RuntimeOptions{
		Config:         cfg,
		LogOutput:      cmd.ErrOrStderr(),
		OnEvent:        m.onEvent,
		OnToolsChanged: m.onToolsChanged,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	m.attach(rt)

	if cfg.Observability.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.Observability.MetricsAddr, rt.Logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	if len(cfg.Connections) == 0 {
		rt.Logger.Warn("no connections configured; waiting for config changes")
	}
	m.sync(ctx, cfg.Connections)

	if path := config.ResolvePath(shared.GetConfigPath()); path != "" && !noReload {
		w, err := config.NewWatcher(path, config.WatcherConfig{
			OnChange: func(updated *config.Config) { m.sync(ctx, updated.Connections) },
			OnError: func(err error) {
				rt.Logger.Error("config reload failed, keeping previous connections", "error", err)
			},
			Logger: rt.Logger,
		})
		if err != nil {
			rt.Logger.Warn("config file watching disabled", "error", err)
		} else {
			defer w.Close()
		}
	}

	m.run(ctx, cfg.Probe.Interval)

	s := rt.Registry.Summary()
	if !shared.GetJSON() {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d connections (%d connected, %d disconnected, %d error)\n",
			s.Total, s.Connected, s.Disconnected, s.Error)
	}
	return nil
}

// serveMetrics exposes the Prometheus registry on addr and returns a stop
// function.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Surface bind failures before reporting success.
	select {
	case err := <-errCh:
		if err != nil {
			return nil, shared.NewConfigError("failed to serve metrics on "+addr, err)
		}
	case <-time.After(100 * time.Millisecond):
	}
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// monitor keeps the registry in line with the configured connections and
// prints what happens to them.
type monitor struct {
	out  io.Writer
	json bool

	rt     *shared.Runtime
	logger *slog.Logger

	printMu sync.Mutex

	mu      sync.Mutex
	current []config.ConnectionConfig
	ids     map[string]string // name -> connection id
	names   map[string]string // connection id -> name
	auto    map[string]bool   // connection id -> auto_session
}

func newMonitor(out io.Writer, jsonOutput bool) *monitor {
	return &monitor{
		out:    out,
		json:   jsonOutput,
		logger: slog.Default(),
		ids:    make(map[string]string),
		names:  make(map[string]string),
		auto:   make(map[string]bool),
	}
}

func (m *monitor) attach(rt *shared.Runtime) {
	m.rt = rt
	m.logger = log.WithComponent(rt.Logger, "watch")
	rt.Registry.OnNotification(connector.MethodFilter(methodLogMessage), m.onLogMessage)
}

// sync adds and removes connections so the registry matches updated.
func (m *monitor) sync(ctx context.Context, updated []config.ConnectionConfig) {
	m.mu.Lock()
	added, removed := config.DiffConnections(m.current, updated)
	m.current = slices.Clone(updated)
	m.mu.Unlock()

	for _, cc := range removed {
		m.mu.Lock()
		id, ok := m.ids[cc.Name]
		delete(m.ids, cc.Name)
		m.mu.Unlock()
		if ok {
			m.rt.Registry.RemoveConnection(id)
			m.mu.Lock()
			delete(m.names, id)
			delete(m.auto, id)
			m.mu.Unlock()
		}
	}
	for _, cc := range added {
		m.add(ctx, cc)
	}
}

func (m *monitor) add(ctx context.Context, cc config.ConnectionConfig) {
	id, err := m.rt.Register(ctx, cc)
	if err != nil {
		m.logger.Error("connection rejected", "name", cc.Name, "error", err)
		return
	}

	m.mu.Lock()
	m.ids[cc.Name] = id
	m.names[id] = cc.Name
	m.auto[id] = cc.AutoSession
	m.mu.Unlock()

	if cc.AutoSession {
		m.open(ctx, id)
	}
}

func (m *monitor) open(ctx context.Context, id string) {
	if err := m.rt.Registry.InitializeSession(ctx, id); err != nil && ctx.Err() == nil {
		log.WithConnection(m.logger, id).Warn("session open failed", "error", err)
	}
}

// probeAll probes every connection and reopens dropped auto sessions on
// healthy agents.
func (m *monitor) probeAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.names))
	for id := range m.names {
		ids = append(ids, id)
	}
	auto := make(map[string]bool, len(m.auto))
	for id, v := range m.auto {
		auto[id] = v
	}
	m.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		healthy, err := m.rt.Registry.TestConnection(ctx, id)
		if err != nil || !healthy || !auto[id] {
			continue
		}
		if _, open := m.rt.Registry.Session(id); !open {
			m.open(ctx, id)
		}
	}
}

// run probes on every interval tick until ctx is done. A zero interval
// disables probing.
func (m *monitor) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *monitor) nameOf(id string) string {
	m.mu.Lock()
	name, ok := m.names[id]
	m.mu.Unlock()
	if ok {
		return name
	}
	if m.rt != nil {
		if conn, ok := m.rt.Registry.GetConnection(id); ok {
			return conn.Name
		}
	}
	return id
}

type eventLine struct {
	connector.Event
	Name string `json:"name"`
}

func (m *monitor) onEvent(ev connector.Event) {
	name := m.nameOf(ev.ConnectionID)

	m.printMu.Lock()
	defer m.printMu.Unlock()
	if m.json {
		_ = json.NewEncoder(m.out).Encode(eventLine{Event: ev, Name: name})
		return
	}
	fmt.Fprintln(m.out, shared.RenderEvent(ev, name))
}

func (m *monitor) onToolsChanged(connID string, tools []connector.Tool) {
	if m.json {
		return
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	m.printMu.Lock()
	defer m.printMu.Unlock()
	fmt.Fprintf(m.out, "  %s %s\n", shared.RenderLabel("tools:"), strings.Join(names, ", "))
}

// onLogMessage prints log notifications sent by agents.
func (m *monitor) onLogMessage(_ context.Context, connID string, msg *connector.Message) error {
	var params struct {
		Level  string          `json:"level"`
		Logger string          `json:"logger,omitempty"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return fmt.Errorf("decoding log notification: %w", err)
	}

	name := m.nameOf(connID)
	m.printMu.Lock()
	defer m.printMu.Unlock()
	if m.json {
		return json.NewEncoder(m.out).Encode(map[string]any{
			"type":          "agent_log",
			"connection_id": connID,
			"name":          name,
			"level":         params.Level,
			"data":          params.Data,
		})
	}
	data := string(params.Data)
	var text string
	if json.Unmarshal(params.Data, &text) == nil {
		data = text
	}
	_, err := fmt.Fprintf(m.out, "%s %s [%s] %s\n", shared.Muted.Render(shared.SymbolInfo), shared.Bold.Render(name), params.Level, data)
	return err
}
