// Package toolserver supervises the long-lived MCP tool-server subprocesses
// the backend depends on (market data provider, technical analyzer).
//
// Each configured server is one subprocess reached over a stdio
// request/response transport. The manager owns the connection lifecycle:
// connect with a bounded handshake, forward tool calls, probe liveness on a
// fixed interval, and reconnect whatever has fallen over. Connect-time
// failures are recorded rather than raised so start-up stays non-fatal when
// an upstream is temporarily unavailable; call-time failures on an
// established connection propagate to the caller and are recorded for the
// next health-check pass to act on.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
)

// Client is the slice of the MCP client the manager needs. The concrete
// implementation is an mcp-go stdio client wrapping a spawned subprocess;
// tests inject fakes.
type Client interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// DialFunc spawns a server's subprocess, establishes the transport, and
// completes the protocol handshake. It must respect ctx's deadline and
// must not leave a dangling handle on failure.
type DialFunc func(ctx context.Context, cfg ServerConfig) (Client, error)

// ServerConfig describes one tool server to supervise.
type ServerConfig struct {
	// Name identifies the server to callers (e.g. "dataProvider").
	Name string

	// Command is the executable path; Args and Env are passed to the
	// subprocess ("KEY=VALUE" entries for Env).
	Command string
	Args    []string
	Env     []string
}

// Config controls the manager.
type Config struct {
	Servers []ServerConfig

	// ConnectTimeout bounds spawn + handshake. Default 30s.
	ConnectTimeout time.Duration

	// HealthInterval is the liveness probe period. Default 10s.
	HealthInterval time.Duration

	// ProbeTimeout bounds one liveness probe. Default 5s.
	ProbeTimeout time.Duration

	// Dial overrides the stdio subprocess dialer. Nil means StdioDial.
	Dial DialFunc
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.Dial == nil {
		c.Dial = StdioDial
	}
}

// ServerStatus is the observable state of one supervised connection.
type ServerStatus struct {
	Connected   bool       `json:"connected"`
	LastError   string     `json:"last_error,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// connection is the manager's private record for one server. At most one
// live connection exists per name; the handle is always closed before the
// reference is dropped so the child process cannot leak.
type connection struct {
	cfg ServerConfig

	// redialMu serializes close-and-dial cycles for this server, so two
	// overlapping reconnects queue instead of racing to overwrite the
	// handle. Field access below stays under Manager.mu.
	redialMu sync.Mutex

	client      Client
	connected   bool
	lastError   string
	connectedAt time.Time
}

// Manager supervises the configured tool servers. Safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection

	loopWG   sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a manager. Call Start to connect and begin health checking.
func New(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*connection),
		done:   make(chan struct{}),
	}
	for _, sc := range cfg.Servers {
		m.conns[sc.Name] = &connection{cfg: sc}
	}
	return m
}

// Start connects every configured server and launches the health-check
// loop. Individual connect failures are recorded, not returned: a missing
// upstream must not prevent the process from serving cached data.
func (m *Manager) Start(ctx context.Context) {
	for _, sc := range m.cfg.Servers {
		if err := m.connect(ctx, sc.Name); err != nil {
			m.logger.Warn("tool server unavailable at startup",
				"server", sc.Name, "error", err)
		}
	}
	m.loopWG.Add(1)
	go m.healthLoop()
}

// connect closes any existing handle for the named server, dials a
// replacement with the configured timeout, and records the result. Cycles
// are serialized per server via redialMu, so a health-pass reconnect racing
// a manual one cannot drop a freshly-dialed handle unclosed. Refuses once
// Shutdown has begun. Caller must not hold m.mu.
func (m *Manager) connect(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return faults.Validation("unknown tool server %q", name)
	}
	cfg := conn.cfg
	m.mu.Unlock()

	conn.redialMu.Lock()
	defer conn.redialMu.Unlock()

	if m.stopped() {
		return faults.Internal(fmt.Sprintf("manager shut down, not dialing %s", name), nil)
	}

	// The previous handle is closed before its replacement is dialed.
	// Cleanup errors are swallowed: the handle is being discarded anyway.
	m.mu.Lock()
	old := conn.client
	conn.client = nil
	conn.connected = false
	m.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("closing stale handle", "server", name, "error", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	cli, err := m.cfg.Dial(dialCtx, cfg)

	m.mu.Lock()
	if err != nil {
		conn.lastError = err.Error()
		m.mu.Unlock()
		return err
	}
	if m.stopped() {
		// Shutdown swept the connection map while the dial was in flight;
		// the fresh handle must not outlive it.
		m.mu.Unlock()
		if cerr := cli.Close(); cerr != nil {
			m.logger.Warn("closing tool server", "server", name, "error", cerr)
		}
		return faults.Internal(fmt.Sprintf("manager shut down while dialing %s", name), nil)
	}
	conn.client = cli
	conn.connected = true
	conn.lastError = ""
	conn.connectedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("tool server connected", "server", name)
	return nil
}

// stopped reports whether Shutdown has begun.
func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// CallTool forwards one tool invocation to the named server and returns the
// result payload as text (structured results arrive as JSON text; the
// service façade decodes them). It rejects immediately if the server is not
// connected. A transport failure marks the server disconnected and still
// propagates to the caller; recovery is the health loop's job, not a silent
// retry here.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	m.mu.Lock()
	conn, ok := m.conns[server]
	if !ok {
		m.mu.Unlock()
		return "", faults.Validation("unknown tool server %q", server)
	}
	if !conn.connected || conn.client == nil {
		lastErr := conn.lastError
		m.mu.Unlock()
		return "", faults.Upstream(
			fmt.Sprintf("tool server %s not connected (last error: %s)", server, lastErr), nil)
	}
	cli := conn.client
	m.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := cli.CallTool(ctx, req)
	if err != nil {
		m.markDisconnected(server, err)
		return "", faults.Upstream(fmt.Sprintf("call %s on %s", tool, server), err)
	}
	if res.IsError {
		// The tool executed and reported failure; the transport is fine.
		return "", faults.Upstream(
			fmt.Sprintf("tool %s on %s failed: %s", tool, server, flattenContent(res)), nil)
	}
	return flattenContent(res), nil
}

// markDisconnected records a transport failure for the health loop to act on.
func (m *Manager) markDisconnected(server string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[server]
	if !ok {
		return
	}
	conn.connected = false
	conn.lastError = err.Error()
	m.logger.Warn("tool server transport failed", "server", server, "error", err)
}

// flattenContent concatenates the text blocks of a tool result.
func flattenContent(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// Reconnect closes any existing handle for the named server and re-runs the
// connect sequence. Concurrent reconnects for the same server are serialized.
// It returns whether the server ended up connected.
func (m *Manager) Reconnect(ctx context.Context, name string) bool {
	if err := m.connect(ctx, name); err != nil {
		m.logger.Warn("reconnect failed", "server", name, "error", err)
		return false
	}
	return true
}

// ReconnectAll reconnects every configured server sequentially, one
// subprocess restart at a time, and returns a per-name success map.
func (m *Manager) ReconnectAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(m.cfg.Servers))
	for _, sc := range m.cfg.Servers {
		results[sc.Name] = m.Reconnect(ctx, sc.Name)
	}
	return results
}

// healthLoop probes connected servers and reconnects fallen ones on a fixed
// interval, independent of request traffic. It never lets a panic or error
// escape the tick.
func (m *Manager) healthLoop() {
	defer m.loopWG.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.healthPass()
		}
	}
}

// healthPass runs one health-check tick: probe everything marked connected,
// then reconnect the down set concurrently (recovery is not a
// resource-constrained steady state, unlike ReconnectAll).
func (m *Manager) healthPass() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health check panic", "panic", r)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var toReconnect []string
	m.mu.Lock()
	type probe struct {
		name string
		cli  Client
	}
	var probes []probe
	for name, conn := range m.conns {
		if conn.connected && conn.client != nil {
			probes = append(probes, probe{name: name, cli: conn.client})
		} else {
			toReconnect = append(toReconnect, name)
		}
	}
	m.mu.Unlock()

	for _, p := range probes {
		probeCtx, probeCancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		_, err := p.cli.ListTools(probeCtx, mcp.ListToolsRequest{})
		probeCancel()
		if err != nil {
			m.markDisconnected(p.name, fmt.Errorf("health probe: %w", err))
			toReconnect = append(toReconnect, p.name)
		}
	}

	if len(toReconnect) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, name := range toReconnect {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if m.Reconnect(ctx, name) {
				m.logger.Info("tool server recovered", "server", name)
			}
		}(name)
	}
	wg.Wait()
}

// Status returns the per-server connection state. Pure read.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServerStatus, len(m.conns))
	for name, conn := range m.conns {
		st := ServerStatus{
			Connected: conn.connected,
			LastError: conn.lastError,
		}
		if !conn.connectedAt.IsZero() {
			t := conn.connectedAt
			st.ConnectedAt = &t
		}
		out[name] = st
	}
	return out
}

// Shutdown stops the health loop, closes every handle best-effort, and
// clears connection state. Idempotent.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.loopWG.Wait()

		m.mu.Lock()
		conns := m.conns
		m.conns = make(map[string]*connection)
		m.mu.Unlock()

		for name, conn := range conns {
			if conn.client != nil {
				if err := conn.client.Close(); err != nil {
					m.logger.Warn("closing tool server", "server", name, "error", err)
				}
			}
		}
	})
}
