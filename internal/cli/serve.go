package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/carnitrack/edge/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveTCPHost, "tcp-host", "", "Host for the scale TCP listener (overrides config)")
	serveCmd.Flags().IntVar(&serveTCPPort, "tcp-port", 0, "Port for the scale TCP listener (overrides config)")
	serveCmd.Flags().StringVar(&serveCloudURL, "cloud-url", "", "Cloud API base URL (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveTCPHost  string
	serveTCPPort  int
	serveCloudURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the edge gateway",
	Long:  `Start the TCP scale listener, the cloud sync loops, and the local admin API.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	if serveTCPHost != "" {
		cfg.TCP.Host = serveTCPHost
	}
	if serveTCPPort > 0 {
		cfg.TCP.Port = serveTCPPort
	}
	if serveCloudURL != "" {
		cfg.Cloud.APIURL = serveCloudURL
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}

	return d.Serve(context.Background())
}
