package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-forge/forge/internal/events"
)

func event(topic events.Topic, typ events.EventType) events.Event {
	evt := events.New(topic, typ)
	evt.Time = time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	return evt
}

func TestApplyTracksAgentStates(t *testing.T) {
	m := NewModel()
	m.apply(event(events.TopicAgentState, events.AgentWorking).WithAgent("dev-A"))
	m.apply(event(events.TopicAgentState, events.AgentIdle).WithAgent("dev-A"))
	m.apply(event(events.TopicAgentState, events.AgentError).WithAgent("dev-B"))

	assert.Equal(t, "idle", m.AgentState["dev-A"])
	assert.Equal(t, "error", m.AgentState["dev-B"])
}

func TestApplyBoundsEventTail(t *testing.T) {
	m := NewModel()
	m.EventLimit = 3
	for i := 0; i < 10; i++ {
		m.apply(event(events.TopicPollingTick, events.PollTickStarted))
	}
	assert.Len(t, m.Events, 3)
	assert.Equal(t, 10, m.Counts[events.TopicPollingTick])
}

func TestApplySkipsHeartbeatsInTail(t *testing.T) {
	m := NewModel()
	m.apply(events.Event{Topic: events.TopicHeartbeat, Time: time.Now()})
	assert.Empty(t, m.Events)
	assert.Equal(t, 1, m.Counts[events.TopicHeartbeat])
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "ctrl+c"} {
		m := NewModel()
		msg := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
		if key == "ctrl+c" {
			msg = tea.KeyMsg{Type: tea.KeyCtrlC}
		}
		model, cmd := m.Update(msg)
		require.NotNil(t, cmd, "quit command for %s", key)
		assert.True(t, model.(*Model).Quitting)
	}
}

func TestViewShowsAgentsAndEvents(t *testing.T) {
	m := NewModel()
	m.apply(event(events.TopicAgentState, events.AgentWorking).WithAgent("dev-A"))
	m.apply(event(events.TopicPollingTick, events.PollTickStarted).WithRepo("forge", "sandbox"))

	view := m.View()
	assert.Contains(t, view, "dev-A")
	assert.Contains(t, view, "working")
	assert.Contains(t, view, "forge/sandbox")
}

func TestViewShowsStreamDrop(t *testing.T) {
	m := NewModel()
	model, _ := m.Update(DisconnectedMsg{Err: errors.New("gone")})

	view := model.(*Model).View()
	assert.Contains(t, view, "dropped")
	assert.Contains(t, view, "gone")
}
