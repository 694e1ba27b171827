package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/registry"
)

func runCommand(t *testing.T, app *App, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app.rootCmd.SetOut(&out)
	app.rootCmd.SetErr(&out)
	app.rootCmd.SetArgs(args)
	err := app.rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	app := New()
	app.SetVersion("1.2.3", "abc123", "2026-01-01")

	out, err := runCommand(t, app, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "forge version 1.2.3")
	assert.Contains(t, out, "commit: abc123")
}

func TestVersionCommandDefaults(t *testing.T) {
	out, err := runCommand(t, New(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "forge version dev")
}

func TestAgentsCommandRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/agents", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]registry.Snapshot{
			{
				Config:  registry.AgentConfig{ID: "dev-A", Role: registry.RoleDeveloper},
				State:   registry.StateWorking,
				TaskID:  "01J",
				Enabled: true,
			},
			{
				Config:  registry.AgentConfig{ID: "coord-1", Role: registry.RoleCoordinator},
				State:   registry.StateIdle,
				Enabled: true,
			},
		})
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := runCommand(t, New(), "agents", "--addr", addr, "--token", "sekrit")
	require.NoError(t, err)
	assert.Contains(t, out, "dev-A")
	assert.Contains(t, out, "developer")
	assert.Contains(t, out, "working")
	assert.Contains(t, out, "coord-1")
}

func TestAgentsCommandToggle(t *testing.T) {
	var toggled []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			toggled = append(toggled, r.URL.Path)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode([]registry.Snapshot{})
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	_, err := runCommand(t, New(), "agents", "--addr", addr,
		"--token", "sekrit", "--disable", "dev-A")
	require.NoError(t, err)
	assert.Equal(t, []string{"/agents/dev-A/disable"}, toggled)
}

func TestAgentsCommandSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	_, err := runCommand(t, New(), "agents", "--addr", addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestWatchPlainPrintsEventsUntilStreamCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		assert.Equal(t, "agent.state", r.URL.Query().Get("topics"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		evt := events.New(events.TopicAgentState, events.AgentWorking).WithAgent("dev-A")
		evt.Time = time.Now()
		require.NoError(t, conn.WriteJSON(evt))
		beat := events.Event{Topic: events.TopicHeartbeat, Time: time.Now()}
		require.NoError(t, conn.WriteJSON(beat))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := runCommand(t, New(), "watch", "--plain",
		"--addr", addr, "--topics", "agent.state")
	require.Error(t, err, "stream close surfaces as error")
	assert.Contains(t, out, "agent.state")
	assert.Contains(t, out, "dev-A")
	assert.NotContains(t, out, "_heartbeat")
}

func TestWatchFailsFastWhenMonitorUnreachable(t *testing.T) {
	_, err := runCommand(t, New(), "watch", "--plain", "--addr", "127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to")
}
