package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-forge/forge/internal/events"
)

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case TickMsg:
		return m, tickCmd()

	case EventMsg:
		m.apply(msg.Event)

	case DisconnectedMsg:
		m.StreamErr = msg.Err
	}
	return m, nil
}

// apply folds one event into the display state.
func (m *Model) apply(evt events.Event) {
	m.Counts[evt.Topic]++

	if evt.Topic == events.TopicAgentState && evt.Agent != "" {
		m.AgentState[evt.Agent] = strings.TrimPrefix(string(evt.Type), "agent.")
	}

	// Heartbeats keep the connection alive but say nothing.
	if evt.Topic == events.TopicHeartbeat {
		return
	}
	m.Events = append(m.Events, evt)
	if len(m.Events) > m.EventLimit {
		m.Events = m.Events[len(m.Events)-m.EventLimit:]
	}
}
