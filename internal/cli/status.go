package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway and cloud connection status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st struct {
		Version          string `json:"version"`
		UptimeSeconds    int64  `json:"uptime_seconds"`
		CloudOnline      bool   `json:"cloud_online"`
		QueueDepth       int    `json:"queue_depth"`
		DevicesKnown     int    `json:"devices_known"`
		DevicesConnected int    `json:"devices_connected"`
		EdgeID           string `json:"edge_id"`
		SiteID           string `json:"site_id"`
		SiteName         string `json:"site_name"`
	}
	if err := apiGet("/api/status", &st); err != nil {
		return err
	}

	cloudState := "offline"
	if st.CloudOnline {
		cloudState = "online"
	}

	fmt.Printf("Gateway:  v%s (up %ds)\n", st.Version, st.UptimeSeconds)
	fmt.Printf("Cloud:    %s (queue depth %d)\n", cloudState, st.QueueDepth)
	fmt.Printf("Devices:  %d connected / %d known\n", st.DevicesConnected, st.DevicesKnown)
	if st.EdgeID != "" {
		fmt.Printf("Edge ID:  %s\n", st.EdgeID)
		if st.SiteName != "" {
			fmt.Printf("Site:     %s (%s)\n", st.SiteName, st.SiteID)
		}
	} else {
		fmt.Println("Edge ID:  not registered")
	}
	return nil
}
