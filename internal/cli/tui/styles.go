package tui

import "github.com/charmbracelet/lipgloss"

// Styles contains all lipgloss styles for the watch view.
type Styles struct {
	Title     lipgloss.Style
	Timer     lipgloss.Style
	Connected lipgloss.Style
	Dropped   lipgloss.Style

	AgentID    lipgloss.Style
	AgentIdle  lipgloss.Style
	AgentBusy  lipgloss.Style
	AgentError lipgloss.Style

	EventTime  lipgloss.Style
	EventType  lipgloss.Style
	EventError lipgloss.Style

	SectionTitle lipgloss.Style
	Footer       lipgloss.Style
	FooterKey    lipgloss.Style
}

// DefaultStyles returns the default watch styles.
func DefaultStyles() Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Timer:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Connected: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Dropped:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		AgentID:    lipgloss.NewStyle().Bold(true),
		AgentIdle:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		AgentBusy:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		AgentError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		EventTime:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		EventType:  lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		EventError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

		SectionTitle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245")).MarginTop(1),
		Footer:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")).MarginTop(1),
		FooterKey:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
}
