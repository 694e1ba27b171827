package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/events"
	"github.com/agent-forge/forge/internal/metrics"
	"github.com/agent-forge/forge/internal/secrets"
)

func testSecrets(t *testing.T, refs ...string) *secrets.Store {
	t.Helper()
	dir := t.TempDir()
	for _, ref := range refs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ref), []byte("tok"), 0o600))
	}
	store, err := secrets.New(secrets.Options{Dir: dir})
	require.NoError(t, err)
	return store
}

func devAgent(id string, priority int, lc Lifecycle) AgentConfig {
	return AgentConfig{
		ID:            id,
		Role:          RoleDeveloper,
		Enabled:       true,
		Lifecycle:     lc,
		Priority:      priority,
		Capabilities:  []Capability{CanCommit, CanComment},
		CredentialRef: id,
	}
}

func newTestRegistry(t *testing.T, configs ...AgentConfig) (*Registry, *events.Bus) {
	t.Helper()
	refs := make([]string, len(configs))
	for i, cfg := range configs {
		refs[i] = cfg.CredentialRef
	}
	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })
	reg := New(configs, bus, testSecrets(t, refs...), nil)
	reg.sleep = func(context.Context, time.Duration) error { return nil }
	return reg, bus
}

func TestStartAlwaysOnReachesIdle(t *testing.T) {
	reg, _ := newTestRegistry(t,
		devAgent("dev-A", 1, AlwaysOn),
		devAgent("dev-B", 2, AlwaysOn),
	)
	require.NoError(t, reg.StartAlwaysOn(context.Background()))
	assert.True(t, reg.AllIdle())

	snap, ok := reg.Get("dev-A")
	require.True(t, ok)
	assert.Equal(t, StateIdle, snap.State)
}

func TestStartAlwaysOnMissingCredential(t *testing.T) {
	cfg := devAgent("dev-A", 1, AlwaysOn)
	cfg.CredentialRef = "nope"
	bus := events.NewBus()
	defer bus.Close()
	reg := New([]AgentConfig{cfg}, bus, testSecrets(t), nil)

	assert.Error(t, reg.StartAlwaysOn(context.Background()))
	snap, _ := reg.Get("dev-A")
	assert.Equal(t, StateError, snap.State)
	assert.False(t, reg.AllIdle())
}

func TestPickPrefersLowestPriority(t *testing.T) {
	reg, _ := newTestRegistry(t,
		devAgent("dev-B", 2, AlwaysOn),
		devAgent("dev-A", 1, AlwaysOn),
	)
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	snap, err := reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	require.NoError(t, err)
	assert.Equal(t, "dev-A", snap.Config.ID)
}

func TestPickExcludesIDs(t *testing.T) {
	// Exclusion is how self-review is prevented.
	reg, _ := newTestRegistry(t,
		devAgent("dev-A", 1, AlwaysOn),
		devAgent("dev-B", 2, AlwaysOn),
	)
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	snap, err := reg.Pick(context.Background(), PickRequest{
		Role:       RoleDeveloper,
		ExcludeIDs: []string{"dev-A"},
	})
	require.NoError(t, err)
	assert.Equal(t, "dev-B", snap.Config.ID)
}

func TestPickRequiresCapabilities(t *testing.T) {
	plain := devAgent("dev-A", 1, AlwaysOn)
	plain.Capabilities = []Capability{CanComment}
	merger := devAgent("dev-B", 2, AlwaysOn)
	merger.Capabilities = []Capability{CanComment, CanMerge}

	reg, _ := newTestRegistry(t, plain, merger)
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	snap, err := reg.Pick(context.Background(), PickRequest{
		Role:       RoleDeveloper,
		PreferCaps: []Capability{CanMerge},
	})
	require.NoError(t, err)
	assert.Equal(t, "dev-B", snap.Config.ID)
}

func TestPickActivatesOnDemand(t *testing.T) {
	reg, _ := newTestRegistry(t, devAgent("dev-A", 1, OnDemand))

	snap, ok := reg.Get("dev-A")
	require.True(t, ok)
	require.Equal(t, StateRegistered, snap.State)

	picked, err := reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, picked.State)
}

func TestPickSkipsWorkingAgents(t *testing.T) {
	reg, _ := newTestRegistry(t, devAgent("dev-A", 1, AlwaysOn))
	require.NoError(t, reg.StartAlwaysOn(context.Background()))
	require.NoError(t, reg.MarkWorking("dev-A", "task-1"))

	_, err := reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestMarkWorkingRequiresIdle(t *testing.T) {
	reg, _ := newTestRegistry(t, devAgent("dev-A", 1, AlwaysOn))
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	require.NoError(t, reg.MarkWorking("dev-A", "task-1"))
	assert.Error(t, reg.MarkWorking("dev-A", "task-2"), "one task at a time")

	reg.MarkIdle("dev-A")
	assert.NoError(t, reg.MarkWorking("dev-A", "task-2"))
}

func TestMarkErrorThenRestart(t *testing.T) {
	reg, _ := newTestRegistry(t, devAgent("dev-A", 1, AlwaysOn))
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	reg.MarkError("dev-A", "probe failed")
	snap, _ := reg.Get("dev-A")
	assert.Equal(t, StateError, snap.State)
	assert.False(t, reg.Healthy("dev-A"))

	restarts := metrics.AgentRestarts.WithLabelValues("dev-A")
	base := testutil.ToFloat64(restarts)

	wait, err := reg.Restart(context.Background(), "dev-A", false)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, wait)
	assert.True(t, reg.Healthy("dev-A"))
	assert.Equal(t, base+1, testutil.ToFloat64(restarts))
}

func TestRestartExhaustedNeedsForce(t *testing.T) {
	reg, _ := newTestRegistry(t, devAgent("dev-A", 1, AlwaysOn))
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		reg.MarkError("dev-A", "boom")
		_, err := reg.Restart(ctx, "dev-A", false)
		require.NoError(t, err)
	}

	reg.MarkError("dev-A", "boom")
	_, err := reg.Restart(ctx, "dev-A", false)
	assert.Error(t, err)

	_, err = reg.Restart(ctx, "dev-A", true)
	assert.NoError(t, err)
}

func TestReapIdleStopsExpiredOnDemand(t *testing.T) {
	cfg := devAgent("dev-A", 1, OnDemand)
	cfg.IdleKeepaliveS = 1
	reg, _ := newTestRegistry(t, cfg)

	_, err := reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	require.NoError(t, err)

	base := time.Now()
	reg.now = func() time.Time { return base.Add(2 * time.Second) }
	assert.Equal(t, []string{"dev-A"}, reg.ReapIdle())

	snap, _ := reg.Get("dev-A")
	assert.Equal(t, StateStopped, snap.State)

	// A stopped OnDemand agent can be activated again on the next pick.
	reg.now = time.Now
	picked, err := reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, picked.State)
}

func TestSetEnabledExcludesFromPick(t *testing.T) {
	reg, _ := newTestRegistry(t, devAgent("dev-A", 1, AlwaysOn))
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	require.NoError(t, reg.SetEnabled("dev-A", false))
	_, err := reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	assert.ErrorIs(t, err, ErrNoAgent)

	require.NoError(t, reg.SetEnabled("dev-A", true))
	_, err = reg.Pick(context.Background(), PickRequest{Role: RoleDeveloper})
	assert.NoError(t, err)
}

func TestStateTransitionsPublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(32, events.TopicAgentState)

	reg := New([]AgentConfig{devAgent("dev-A", 1, AlwaysOn)}, bus, testSecrets(t, "dev-A"), nil)
	require.NoError(t, reg.StartAlwaysOn(context.Background()))

	var seen []events.EventType
	for i := 0; i < 3; i++ {
		seen = append(seen, (<-sub.Events()).Type)
	}
	assert.Equal(t, []events.EventType{events.AgentRegistered, events.AgentStarting, events.AgentIdle}, seen)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dev-a.yaml"), []byte(`
id: dev-A
role: developer
enabled: true
lifecycle: always_on
priority: 1
capabilities: [can_commit, can_comment]
llm:
  provider: claude
  model: claude-sonnet-4-5
  temperature: 0.2
  max_tokens: 8192
credential_ref: dev-A
idle_keepalive_s: 600
`), 0o644))

	configs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	cfg := configs[0]
	assert.Equal(t, "dev-A", cfg.ID)
	assert.Equal(t, RoleDeveloper, cfg.Role)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.Model)
	assert.Equal(t, 10*time.Minute, cfg.IdleKeepalive())
	assert.True(t, cfg.HasCapability(CanCommit))
}

func TestLoadDirRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad role", "id: x\nrole: wizard\nlifecycle: always_on\ncredential_ref: x\n"},
		{"bad lifecycle", "id: x\nrole: developer\nlifecycle: sometimes\ncredential_ref: x\n"},
		{"missing credential", "id: x\nrole: developer\nlifecycle: always_on\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "x.yaml"), []byte(tt.body), 0o644))
			_, err := LoadDir(dir)
			assert.Error(t, err)
		})
	}
}
