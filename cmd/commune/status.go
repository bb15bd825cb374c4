package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"commune/pkg/identity"
	"commune/pkg/store"
)

// Style definitions
var (
	primaryColor = lipgloss.Color("#FF79C6") // Pink
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Comment
	bgLightColor = lipgloss.Color("#44475A") // Current Line
	fgColor      = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(20)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8BE9FD")).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func createPanel(title, icon, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	titleLine := titleStyle.Render(icon + " " + title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show federation status",
		Long:  `Display this server's identity, its peers and pending federation requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			selfID, err := identity.NewManager(cfg.Server.DataDir, setupLogger(false)).GetOrCreate()
			if err != nil {
				return err
			}

			st, err := openStoreReadOnly(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			peers, err := st.ListPeers()
			if err != nil {
				return err
			}
			pending, err := st.ListRequestsByStatus(store.RequestPending)
			if err != nil {
				return err
			}

			printOverview(cfg.Server.Name, selfID, cfg.Federation.Enabled, peers, pending)
			printPeerTable(peers, cfg.Federation.HeartbeatInterval)
			printRequestTable(pending)
			return nil
		},
	}
}

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List federated peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStoreReadOnly(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			peers, err := st.ListPeers()
			if err != nil {
				return err
			}
			printPeerTable(peers, cfg.Federation.HeartbeatInterval)
			return nil
		},
	}
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "List pending federation requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStoreReadOnly(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if _, err := st.ExpireStaleRequests(time.Now()); err != nil {
				return err
			}
			pending, err := st.ListRequestsByStatus(store.RequestPending)
			if err != nil {
				return err
			}
			printRequestTable(pending)
			return nil
		},
	}
}

func printOverview(name, selfID string, enabled bool, peers []store.PeerServer, pending []store.FederationRequest) {
	active := 0
	for _, p := range peers {
		if p.Status == store.PeerActive {
			active++
		}
	}

	federationValue := accentValueStyle.Render("ENABLED")
	if !enabled {
		federationValue = dangerValueStyle.Render("DISABLED")
	}

	var content strings.Builder
	lines := []struct {
		label string
		value string
	}{
		{"Server Name", valueStyle.Render(name)},
		{"Identity", accentValueStyle.Render(selfID)},
		{"Federation", federationValue},
		{"Peers", peerCountStyle(active, len(peers)).Render(fmt.Sprintf("%d/%d active", active, len(peers)))},
		{"Pending Requests", valueStyle.Render(fmt.Sprintf("%d", len(pending)))},
	}
	for _, l := range lines {
		content.WriteString(labelStyle.Render(l.label+":") + " " + l.value + "\n")
	}

	fmt.Println(createPanel("FEDERATION OVERVIEW", "🌐", strings.TrimSpace(content.String()), 70))
}

func printPeerTable(peers []store.PeerServer, heartbeatInterval time.Duration) {
	if len(peers) == 0 {
		fmt.Println(createPanel("FEDERATED PEERS", "📡", mutedStyle.Render("No federated peers"), 70))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("NAME", "IDENTITY", "STATUS", "ROLE", "LAST HEARTBEAT")

	for _, peer := range peers {
		role := "receiver"
		if peer.IsInitiator {
			role = "initiator"
		}
		t.Row(
			peer.Name,
			peer.Identity,
			renderPeerStatus(peer, heartbeatInterval),
			role,
			formatAgo(peer.LastHeartbeat),
		)
	}

	fmt.Println(createPanel("FEDERATED PEERS", "📡", t.Render(), 0))
}

func printRequestTable(pending []store.FederationRequest) {
	if len(pending) == 0 {
		fmt.Println(createPanel("PENDING REQUESTS", "📨", mutedStyle.Render("No pending requests"), 70))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		})

	t.Headers("REQUEST", "DIRECTION", "SERVER", "CONFLICTS", "EXPIRES")

	for _, req := range pending {
		server := req.RequesterName
		if req.Direction == store.RequestOutbound {
			server = req.TargetIdentity
		}

		conflictText := mutedStyle.Render("none")
		if n := len(req.Conflicts); n > 0 {
			conflictText = warningValueStyle.Render(fmt.Sprintf("%d", n))
		}

		t.Row(
			req.ID,
			string(req.Direction),
			server,
			conflictText,
			formatUntil(req.ExpiresAt),
		)
	}

	fmt.Println(createPanel("PENDING REQUESTS", "📨", t.Render(), 0))
}

func renderPeerStatus(peer store.PeerServer, heartbeatInterval time.Duration) string {
	icon, text, color := "🟢", "ACTIVE", accentColor
	switch peer.Status {
	case store.PeerDisconnected:
		icon, text, color = "🔴", "DISCONNECTED", dangerColor
	case store.PeerSuspended:
		icon, text, color = "🟠", "SUSPENDED", warningColor
	case store.PeerPending:
		icon, text, color = "⚪", "PENDING", mutedColor
	default:
		// Active on record, but flag peers whose heartbeats went quiet.
		if heartbeatInterval > 0 && !peer.LastHeartbeat.IsZero() &&
			time.Since(peer.LastHeartbeat) > 3*heartbeatInterval {
			icon, text, color = "🟡", "SILENT", warningColor
		}
	}
	return fmt.Sprintf("%s %s", icon, lipgloss.NewStyle().Foreground(color).Render(text))
}

func peerCountStyle(active, total int) lipgloss.Style {
	if total == 0 {
		return mutedStyle
	}
	if active == total {
		return accentValueStyle
	}
	if active > 0 {
		return warningValueStyle
	}
	return dangerValueStyle
}

func formatAgo(at time.Time) string {
	if at.IsZero() {
		return "Never"
	}
	elapsed := time.Since(at)
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}

func formatUntil(at time.Time) string {
	remaining := time.Until(at)
	if remaining <= 0 {
		return dangerValueStyle.Render("expired")
	}
	switch {
	case remaining < time.Hour:
		return fmt.Sprintf("in %dm", int(remaining.Minutes()))
	case remaining < 24*time.Hour:
		return fmt.Sprintf("in %dh", int(remaining.Hours()))
	default:
		return fmt.Sprintf("in %dd", int(remaining.Hours()/24))
	}
}
