package cli

import (
	"context"
	"fmt"
	"net/url"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/agent-forge/forge/internal/cli/tui"
	"github.com/agent-forge/forge/internal/events"
)

func newWatchCmd(a *App) *cobra.Command {
	var addr, topics string
	var plain bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from a running orchestrator",
		Long: `Attach to the /events stream and render it. Use --topics to
narrow the stream (comma-separated, wildcards like log.* work) and
--plain for line output suitable for piping.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dialEvents(addr, topics)
			if err != nil {
				return err
			}
			defer conn.Close()

			if plain {
				return watchPlain(cmd, conn)
			}
			return watchTUI(cmd.Context(), conn)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Monitor address")
	cmd.Flags().StringVar(&topics, "topics", "", "Comma-separated topic filter")
	cmd.Flags().BoolVar(&plain, "plain", false, "Line output instead of the TUI")
	return cmd
}

func dialEvents(addr, topics string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/events"}
	if topics != "" {
		u.RawQuery = url.Values{"topics": {topics}}.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return conn, nil
}

func watchPlain(cmd *cobra.Command, conn *websocket.Conn) error {
	out := cmd.OutOrStdout()
	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			select {
			case <-cmd.Context().Done():
				return nil
			default:
				return fmt.Errorf("stream closed: %w", err)
			}
		}
		if evt.Topic == events.TopicHeartbeat {
			continue
		}
		fmt.Fprintf(out, "%s %s %s\n",
			evt.Time.Format("15:04:05"), evt.Topic, evt.String())
	}
}

func watchTUI(ctx context.Context, conn *websocket.Conn) error {
	program := tea.NewProgram(tui.NewModel(), tea.WithContext(ctx))

	go func() {
		for {
			var evt events.Event
			if err := conn.ReadJSON(&evt); err != nil {
				program.Send(tui.DisconnectedMsg{Err: err})
				return
			}
			program.Send(tui.EventMsg{Event: evt})
		}
	}()

	_, err := program.Run()
	if err == tea.ErrProgramKilled {
		return nil
	}
	return err
}
