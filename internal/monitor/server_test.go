package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/registry"
	"github.com/agent-forge/forge/internal/secrets"
)

func testRegistry(t *testing.T, started bool) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev-A"), []byte("tok"), 0o600))
	store, err := secrets.New(secrets.Options{Dir: dir})
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })
	reg := registry.New([]registry.AgentConfig{{
		ID:            "dev-A",
		Role:          registry.RoleDeveloper,
		Enabled:       true,
		Lifecycle:     registry.AlwaysOn,
		CredentialRef: "dev-A",
	}}, bus, store, nil)
	if started {
		require.NoError(t, reg.StartAlwaysOn(context.Background()))
	}
	return reg
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	srv := New(opts)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func post(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestHealthFollowsBus(t *testing.T) {
	bus := events.NewBus()
	srv := startServer(t, Options{Bus: bus, Registry: testRegistry(t, true)})

	resp, _ := get(t, "http://"+srv.Addr()+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bus.Close()
	resp, _ = get(t, "http://"+srv.Addr()+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadyRequiresIdleAgents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	srv := startServer(t, Options{Bus: bus, Registry: testRegistry(t, false)})
	resp, _ := get(t, "http://"+srv.Addr()+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srv2 := startServer(t, Options{Bus: bus, Registry: testRegistry(t, true)})
	resp, _ = get(t, "http://"+srv2.Addr()+"/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentsEndpointAuth(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := startServer(t, Options{Bus: bus, Registry: testRegistry(t, true), AdminToken: "sekrit"})

	resp, _ := get(t, "http://"+srv.Addr()+"/agents", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := get(t, "http://"+srv.Addr()+"/agents", "sekrit")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snaps []registry.Snapshot
	require.NoError(t, json.Unmarshal(body, &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "dev-A", snaps[0].Config.ID)
}

func TestControlDisabledWithoutToken(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := startServer(t, Options{Bus: bus, Registry: testRegistry(t, true)})

	resp, _ := get(t, "http://"+srv.Addr()+"/agents", "anything")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEnableDisableAgent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	reg := testRegistry(t, true)
	srv := startServer(t, Options{Bus: bus, Registry: reg, AdminToken: "sekrit"})

	resp := post(t, "http://"+srv.Addr()+"/agents/dev-A/disable", "sekrit")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap, _ := reg.Get("dev-A")
	assert.False(t, snap.Enabled)

	resp = post(t, "http://"+srv.Addr()+"/agents/dev-A/enable", "sekrit")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	snap, _ = reg.Get("dev-A")
	assert.True(t, snap.Enabled)

	resp = post(t, "http://"+srv.Addr()+"/agents/ghost/enable", "sekrit")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReloadAndShutdownCallbacks(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	reloaded := false
	shutdownCh := make(chan struct{})
	srv := startServer(t, Options{
		Bus:        bus,
		Registry:   testRegistry(t, true),
		AdminToken: "sekrit",
		OnReload:   func() error { reloaded = true; return nil },
		OnShutdown: func() { close(shutdownCh) },
	})

	resp := post(t, "http://"+srv.Addr()+"/reload", "sekrit")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, reloaded)

	resp = post(t, "http://"+srv.Addr()+"/shutdown", "sekrit")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case <-shutdownCh:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestEventStreamDeliversFilteredEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := startServer(t, Options{Bus: bus, Registry: testRegistry(t, true)})

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws://"+srv.Addr()+"/events?topics=agent.state", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the subscription a moment to register before publishing.
	require.Eventually(t, func() bool { return bus.SubscriberCount() > 0 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.New(events.TopicPollingTick, events.PollTickStarted))
	bus.Publish(events.New(events.TopicAgentState, events.AgentIdle).WithAgent("dev-A"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.TopicAgentState, evt.Topic, "filtered topics only")
	assert.Equal(t, "dev-A", evt.Agent)
}

func TestEventStreamHeartbeat(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := startServer(t, Options{
		Bus:       bus,
		Registry:  testRegistry(t, true),
		Heartbeat: 50 * time.Millisecond,
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt events.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, events.TopicHeartbeat, evt.Topic)
	assert.False(t, evt.Time.IsZero())
}

func TestEventStreamSubscriberCap(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := startServer(t, Options{Bus: bus, Registry: testRegistry(t, true), MaxSubscribers: 1})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.stream.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/events", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
