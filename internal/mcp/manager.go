package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"neko/internal/logging"
	"neko/internal/toolregistry"
)

const defaultStartupTimeout = 30 * time.Second

// ServerConfig names one MCP server to launch.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// ServerStatus summarizes one managed server.
type ServerStatus struct {
	Name      string
	Connected bool
	Tools     int
	Err       string
}

// Manager launches the configured servers and keeps their tools registered.
type Manager struct {
	registry       *toolregistry.Registry
	logger         logging.Logger
	startupTimeout time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
	status  map[string]*ServerStatus
}

// NewManager creates a manager that registers tools into registry.
func NewManager(registry *toolregistry.Registry, logger logging.Logger) *Manager {
	return &Manager{
		registry:       registry,
		logger:         logging.OrNop(logger),
		startupTimeout: defaultStartupTimeout,
		clients:        make(map[string]*Client),
		status:         make(map[string]*ServerStatus),
	}
}

// SetRequestTimeout bounds each JSON-RPC round trip.
func (m *Manager) SetRequestTimeout(d time.Duration) {
	m.requestTimeout = d
}

// Start connects to every server concurrently. A server that fails to start
// is logged and skipped; it never blocks the others.
func (m *Manager) Start(ctx context.Context, servers []ServerConfig) {
	var g errgroup.Group
	for _, cfg := range servers {
		g.Go(func() error {
			m.startServer(ctx, cfg)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) startServer(ctx context.Context, cfg ServerConfig) {
	st := &ServerStatus{Name: cfg.Name}
	m.mu.Lock()
	m.status[cfg.Name] = st
	m.mu.Unlock()

	client := NewClient(ClientConfig{
		Server:         cfg.Name,
		Process:        ProcessConfig{Command: cfg.Command, Args: cfg.Args, Env: cfg.Env},
		RequestTimeout: m.requestTimeout,
		Logger:         m.logger,
	})

	startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	if err := client.Connect(startCtx); err != nil {
		m.fail(st, fmt.Errorf("connect: %w", err))
		return
	}
	schemas, err := client.ListTools(startCtx)
	if err != nil {
		_ = client.Close()
		m.fail(st, fmt.Errorf("list tools: %w", err))
		return
	}

	registered := 0
	for _, schema := range schemas {
		if err := m.registry.Register(NewTool(cfg.Name, client, schema)); err != nil {
			m.logger.Warn("MCP server %s: skipping tool %s: %v", cfg.Name, schema.Name, err)
			continue
		}
		registered++
	}

	m.mu.Lock()
	m.clients[cfg.Name] = client
	st.Connected = true
	st.Tools = registered
	m.mu.Unlock()
	m.logger.Info("MCP server %s ready with %d tools", cfg.Name, registered)
}

func (m *Manager) fail(st *ServerStatus, err error) {
	m.mu.Lock()
	st.Err = err.Error()
	m.mu.Unlock()
	m.logger.Error("MCP server %s unavailable: %v", st.Name, err)
}

// Status lists every configured server, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.status))
	for name, st := range m.status {
		s := *st
		if c, ok := m.clients[name]; ok {
			s.Connected = c.IsConnected()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop unregisters every MCP tool and terminates the servers.
func (m *Manager) Stop() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for name, client := range clients {
		m.registry.UnregisterServer(name)
		if err := client.Close(); err != nil {
			m.logger.Warn("MCP server %s: stop: %v", name, err)
		}
	}
}
