package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/entrhq/seibridge/pkg/session"
	"github.com/spf13/cobra"
)

type sessionStyles struct {
	title     lipgloss.Style
	header    lipgloss.Style
	cell      lipgloss.Style
	connected lipgloss.Style
	offline   lipgloss.Style
	empty     lipgloss.Style
}

func newSessionStyles() sessionStyles {
	return sessionStyles{
		title:     lipgloss.NewStyle().Bold(true),
		header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("241")).Padding(0, 1),
		cell:      lipgloss.NewStyle().Padding(0, 1),
		connected: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Padding(0, 1),
		offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Padding(0, 1),
		empty:     lipgloss.NewStyle().Faint(true),
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions known to a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var infos []session.Info
			if err := newAPIClient(opts.serverURL).do(cmd.Context(), http.MethodGet, "/sessions", nil, &infos); err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), renderSessions(infos, time.Now()))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

// renderSessions draws infos as a table, most recent activity first as
// returned by the server.
func renderSessions(infos []session.Info, now time.Time) string {
	s := newSessionStyles()
	heading := s.title.Render(fmt.Sprintf("Sessions (%d)", len(infos)))
	if len(infos) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, heading, s.empty.Render("No sessions. Open the portal with the extension enabled."))
	}

	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		window := "-"
		if info.WindowID != nil {
			window = strconv.Itoa(*info.WindowID)
		}
		user := info.User
		if user == "" {
			user = "-"
		}
		rows = append(rows, []string{
			info.ID,
			string(info.Status),
			window,
			user,
			info.URL,
			formatAge(now.Sub(info.LastActivity)),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers("ID", "STATUS", "WINDOW", "USER", "URL", "LAST ACTIVE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header
			}
			if col == 1 {
				if rows[row][1] == string(session.StatusConnected) {
					return s.connected
				}
				return s.offline
			}
			return s.cell
		})

	return lipgloss.JoinVertical(lipgloss.Left, heading, t.String())
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
