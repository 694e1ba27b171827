package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agent-forge/forge/internal/registry"
)

func newAgentsCmd(a *App) *cobra.Command {
	var addr, token, enable, disable string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List or toggle the agent pool of a running orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if enable != "" {
				if err := setEnabled(addr, token, enable, true); err != nil {
					return err
				}
			}
			if disable != "" {
				if err := setEnabled(addr, token, disable, false); err != nil {
					return err
				}
			}

			snaps, err := fetchAgents(addr, token)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROLE\tSTATE\tENABLED\tTASK")
			for _, snap := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
					snap.Config.ID, snap.Config.Role, snap.State,
					snap.Enabled, snap.TaskID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "Monitor address")
	cmd.Flags().StringVar(&token, "token", "", "Admin bearer token")
	cmd.Flags().StringVar(&enable, "enable", "", "Enable the given agent before listing")
	cmd.Flags().StringVar(&disable, "disable", "", "Disable the given agent before listing")
	return cmd
}

func setEnabled(addr, token, id string, enable bool) error {
	action := "disable"
	if enable {
		action = "enable"
	}
	url := fmt.Sprintf("http://%s/agents/%s/%s", addr, id, action)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: monitor returned %s", action, id, resp.Status)
	}
	return nil
}

func fetchAgents(addr, token string) ([]registry.Snapshot, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/agents", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monitor returned %s", resp.Status)
	}

	var snaps []registry.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return snaps, nil
}
