// Package tui renders the live event stream of a running orchestrator.
package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-forge/forge/internal/events"
)

// defaultEventLimit bounds the retained event tail.
const defaultEventLimit = 200

// Model is the bubbletea model for the watch view.
type Model struct {
	Styles Styles

	// State
	StartTime  time.Time
	AgentState map[string]string
	Events     []events.Event
	EventLimit int
	Counts     map[events.Topic]int
	StreamErr  error
	Width      int
	Height     int

	// Control
	Quitting bool
}

// NewModel creates the watch model.
func NewModel() *Model {
	return &Model{
		Styles:     DefaultStyles(),
		StartTime:  time.Now(),
		AgentState: make(map[string]string),
		EventLimit: defaultEventLimit,
		Counts:     make(map[events.Topic]int),
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg refreshes the uptime display once per second.
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// EventMsg carries one orchestrator event off the stream.
type EventMsg struct {
	Event events.Event
}

// DisconnectedMsg signals the stream dropped.
type DisconnectedMsg struct {
	Err error
}
