package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// visibleEvents is how many tail events fit the default layout.
const visibleEvents = 15

// View implements tea.Model.
func (m *Model) View() string {
	if m.Quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(m.agentSection())
	b.WriteString(m.eventSection())
	b.WriteString(m.footer())
	return b.String()
}

func (m *Model) header() string {
	uptime := time.Since(m.StartTime).Truncate(time.Second)
	status := m.Styles.Connected.Render("● connected")
	if m.StreamErr != nil {
		status = m.Styles.Dropped.Render("● dropped: " + m.StreamErr.Error())
	}
	return fmt.Sprintf("%s  %s  %s",
		m.Styles.Title.Render("forge watch"),
		m.Styles.Timer.Render(uptime.String()),
		status)
}

func (m *Model) agentSection() string {
	if len(m.AgentState) == 0 {
		return ""
	}
	ids := make([]string, 0, len(m.AgentState))
	for id := range m.AgentState {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(m.Styles.SectionTitle.Render("agents"))
	b.WriteString("\n")
	for _, id := range ids {
		state := m.AgentState[id]
		style := m.Styles.AgentIdle
		switch state {
		case "working", "starting":
			style = m.Styles.AgentBusy
		case "error":
			style = m.Styles.AgentError
		}
		fmt.Fprintf(&b, "  %s %s\n",
			m.Styles.AgentID.Render(id), style.Render(state))
	}
	return b.String()
}

func (m *Model) eventSection() string {
	var b strings.Builder
	b.WriteString(m.Styles.SectionTitle.Render("events"))
	b.WriteString("\n")

	tail := m.Events
	if len(tail) > visibleEvents {
		tail = tail[len(tail)-visibleEvents:]
	}
	if len(tail) == 0 {
		b.WriteString("  waiting for events...\n")
		return b.String()
	}
	for _, evt := range tail {
		line := evt.String()
		style := m.Styles.EventType
		if evt.IsFailure() {
			style = m.Styles.EventError
		}
		fmt.Fprintf(&b, "  %s %s\n",
			m.Styles.EventTime.Render(evt.Time.Format("15:04:05")),
			style.Render(line))
	}
	return b.String()
}

func (m *Model) footer() string {
	return m.Styles.Footer.Render(
		m.Styles.FooterKey.Render("q") + " quit")
}
