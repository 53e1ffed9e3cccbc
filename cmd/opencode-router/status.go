package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/opencode-router/internal/bridge"
)

func statusCmd(configFlag *string) *cobra.Command {
	var asJSON bool
	var port int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running router's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				path, err := resolveConfigPath(*configFlag)
				if err != nil {
					return err
				}
				cfg, err := loadConfig(path, overrides{})
				if err != nil {
					return err
				}
				port = cfg.HealthPort
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			st, raw, err := fetchStatus(ctx, fmt.Sprintf("http://127.0.0.1:%d", port))
			if err != nil {
				return fmt.Errorf("router not reachable on port %d: %w", port, err)
			}
			if asJSON {
				_, err := cmd.OutOrStdout().Write(raw)
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status document")
	cmd.Flags().IntVar(&port, "port", 0, "health server port (default from config)")
	return cmd
}

func fetchStatus(ctx context.Context, baseURL string) (*bridge.Status, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var st bridge.Status
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, raw, nil
}

func printStatus(w io.Writer, st *bridge.Status) {
	fmt.Fprintf(w, "opencode-router %s\n", st.Version)
	health := "unreachable"
	if st.OpenCode.Healthy {
		health = "healthy"
		if st.OpenCode.Version != "" {
			health += " (" + st.OpenCode.Version + ")"
		}
	}
	fmt.Fprintf(w, "  opencode   %s %s\n", st.OpenCode.URL, health)
	fmt.Fprintf(w, "  workspace  %s\n", st.OpenCode.Directory)
	groups := "off"
	if st.GroupsEnabled {
		groups = "on"
	}
	fmt.Fprintf(w, "  groups     %s\n", groups)
	fmt.Fprintf(w, "  runs       %d active, %d subscriptions\n", st.ActiveRuns, len(st.Subscriptions))
	fmt.Fprintf(w, "  sessions   %d stored, %d busy\n", st.Sessions, st.BusySessions)
	fmt.Fprintf(w, "  adapters   %d registered\n", st.Adapters)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Identities:")
	n := 0
	for _, ch := range []bridge.ChannelStatus{st.Telegram, st.Slack, st.Discord} {
		for _, id := range ch.Items {
			n++
			state := string(id.State)
			if state == "" {
				state = "stopped"
			}
			if !id.Enabled {
				state = "disabled"
			}
			line := fmt.Sprintf("  %-24s %-8s %-8s", id.Channel+"/"+id.ID, state, id.Access)
			if id.Error != "" {
				line += " " + id.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	if n == 0 {
		fmt.Fprintln(w, "  (none)")
	}
}
