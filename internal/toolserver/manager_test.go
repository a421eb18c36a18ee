package toolserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
)

// fakeClient is a scriptable in-memory tool server connection.
type fakeClient struct {
	mu       sync.Mutex
	broken   bool // transport failures from now on
	toolText string
	toolErr  bool // tool-level IsError result
	calls    int
	probes   int
	closed   bool
}

func (f *fakeClient) setBroken(broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = broken
}

func (f *fakeClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.broken {
		return nil, io.ErrClosedPipe
	}
	return &mcp.ListToolsResult{}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.broken {
		return nil, io.ErrClosedPipe
	}
	res := &mcp.CallToolResult{IsError: f.toolErr}
	res.Content = []mcp.Content{mcp.TextContent{Type: "text", Text: f.toolText}}
	return res, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out fakeClients and can be told to fail or to dial
// slowly, to widen race windows.
type fakeDialer struct {
	mu      sync.Mutex
	fail    bool
	delay   time.Duration
	dials   int
	clients []*fakeClient
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dial(ctx context.Context, cfg ServerConfig) (Client, error) {
	d.mu.Lock()
	fail, delay := d.fail, d.delay
	d.dials++
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return nil, errors.New("executable unreachable")
	}

	cli := &fakeClient{toolText: `{"ok":true}`}
	d.mu.Lock()
	d.clients = append(d.clients, cli)
	d.mu.Unlock()
	return cli, nil
}

func (d *fakeDialer) latest() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

func (d *fakeDialer) snapshot() []*fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeClient(nil), d.clients...)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, dialer *fakeDialer, servers ...string) *Manager {
	t.Helper()
	cfg := Config{
		HealthInterval: 20 * time.Millisecond,
		ProbeTimeout:   time.Second,
		ConnectTimeout: time.Second,
		Dial:           dialer.dial,
	}
	for _, name := range servers {
		cfg.Servers = append(cfg.Servers, ServerConfig{Name: name, Command: "/usr/bin/true"})
	}
	m := New(cfg, discardLogger())
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_StartConnectsAll(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "dataProvider", "analyzer")
	m.Start(context.Background())

	status := m.Status()
	require.Len(t, status, 2)
	for name, st := range status {
		assert.True(t, st.Connected, "server %q should be connected", name)
		assert.Empty(t, st.LastError)
		assert.NotNil(t, st.ConnectedAt)
	}
}

func TestManager_StartupFailureIsRecordedNotFatal(t *testing.T) {
	d := &fakeDialer{fail: true}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	st := m.Status()["analyzer"]
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "executable unreachable")
	assert.Nil(t, st.ConnectedAt)
}

func TestManager_CallTool(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	got, err := m.CallTool(context.Background(), "analyzer", "get_indicators",
		map[string]any{"symbol": "AAPL"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, got)
}

func TestManager_CallToolRejectsWhenDisconnected(t *testing.T) {
	d := &fakeDialer{fail: true}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	_, err := m.CallTool(context.Background(), "analyzer", "get_x", nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindUpstream, faults.KindOf(err))
	assert.Contains(t, err.Error(), "not connected")
}

func TestManager_CallToolUnknownServer(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	_, err := m.CallTool(context.Background(), "nonsense", "get_x", nil)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestManager_ToolLevelErrorKeepsConnection(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())
	d.latest().toolText = "symbol not supported"
	d.latest().toolErr = true

	_, err := m.CallTool(context.Background(), "analyzer", "get_x", nil)
	require.Error(t, err)
	assert.True(t, m.Status()["analyzer"].Connected,
		"a tool-level failure is not a transport failure")
}

func TestManager_TransportFailureMarksDownAndPropagates(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())
	d.latest().setBroken(true)

	_, err := m.CallTool(context.Background(), "analyzer", "get_x", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrClosedPipe, "the original cause must surface")
	assert.Equal(t, faults.KindUpstream, faults.KindOf(err))

	st := m.Status()["analyzer"]
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.LastError)
}

func TestManager_ReconnectReplacesHandle(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())
	first := d.latest()

	ok := m.Reconnect(context.Background(), "analyzer")
	assert.True(t, ok)
	assert.True(t, first.isClosed(), "the old handle must be closed before reconnecting")
	assert.True(t, m.Status()["analyzer"].Connected)
}

func TestManager_ReconnectIdempotentOnUnreachableExecutable(t *testing.T) {
	d := &fakeDialer{fail: true}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	for range 3 {
		ok := m.Reconnect(context.Background(), "analyzer")
		assert.False(t, ok)
	}
	st := m.Status()["analyzer"]
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "executable unreachable")
}

func TestManager_ConcurrentReconnectsDoNotLeakHandles(t *testing.T) {
	d := &fakeDialer{delay: 20 * time.Millisecond}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	// Overlapping reconnects for the same server (an operator request
	// racing a health-pass recovery) must serialize: every handle that is
	// replaced gets closed, never silently dropped.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Reconnect(context.Background(), "analyzer")
		}()
	}
	wg.Wait()

	require.True(t, m.Status()["analyzer"].Connected)
	m.Shutdown()

	for i, cli := range d.snapshot() {
		assert.True(t, cli.isClosed(), "client %d leaked a subprocess handle", i)
	}
}

func TestManager_ShutdownDuringReconnectClosesFreshHandle(t *testing.T) {
	d := &fakeDialer{delay: 100 * time.Millisecond}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	done := make(chan bool, 1)
	go func() { done <- m.Reconnect(context.Background(), "analyzer") }()
	time.Sleep(20 * time.Millisecond) // land the shutdown mid-dial
	m.Shutdown()

	// The reconnect must not report success, and the handle it dialed
	// after shutdown began must not outlive the manager.
	assert.False(t, <-done)
	for i, cli := range d.snapshot() {
		assert.True(t, cli.isClosed(), "client %d survived shutdown", i)
	}
	assert.Empty(t, m.Status())
}

func TestManager_ReconnectAfterShutdownRefuses(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())
	m.Shutdown()

	before := d.dialCount()
	assert.False(t, m.Reconnect(context.Background(), "analyzer"))
	assert.Equal(t, before, d.dialCount(), "no dial after shutdown")
}

func TestManager_ReconnectAll(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "dataProvider", "analyzer")
	m.Start(context.Background())

	results := m.ReconnectAll(context.Background())
	assert.Equal(t, map[string]bool{"dataProvider": true, "analyzer": true}, results)
}

func TestManager_HealthLoopRecoversAfterTransportDrop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())
	before := m.Status()["analyzer"].ConnectedAt

	// Abruptly break the transport mid-flight: the call fails with an
	// upstream error and the server is marked down.
	d.latest().setBroken(true)
	_, err := m.CallTool(context.Background(), "analyzer", "get_x", nil)
	require.Error(t, err)
	require.Equal(t, faults.KindUpstream, faults.KindOf(err))
	require.False(t, m.Status()["analyzer"].Connected)

	// The executable is reachable again; the next health tick reconnects.
	require.Eventually(t, func() bool {
		return m.Status()["analyzer"].Connected
	}, time.Second, 10*time.Millisecond)

	after := m.Status()["analyzer"].ConnectedAt
	require.NotNil(t, after)
	assert.True(t, after.After(*before), "reconnect must refresh connectedAt")
}

func TestManager_HealthLoopMarksDownOnFailedProbe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "analyzer")
	m.Start(context.Background())

	// Break the transport and keep the dialer failing so the loop cannot
	// reconnect; the probe failure must leave the server marked down
	// without killing the loop.
	d.latest().setBroken(true)
	d.setFail(true)

	require.Eventually(t, func() bool {
		st := m.Status()["analyzer"]
		return !st.Connected && st.LastError != ""
	}, time.Second, 10*time.Millisecond)

	// Loop keeps running: allow reconnects again and watch it recover.
	d.setFail(false)
	require.Eventually(t, func() bool {
		return m.Status()["analyzer"].Connected
	}, time.Second, 10*time.Millisecond)
}

func TestManager_ShutdownClosesHandlesAndIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, d, "dataProvider", "analyzer")
	m.Start(context.Background())
	clients := d.snapshot()

	m.Shutdown()
	m.Shutdown()

	for _, cli := range clients {
		assert.True(t, cli.isClosed())
	}
	assert.Empty(t, m.Status(), "state is cleared after shutdown")
}
