// Package cli implements the carnitrack-edge command-line interface
// using Cobra. Read commands talk to the running daemon over the local
// admin API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "carnitrack-edge",
	Short: "CarniTrack edge gateway for WiFi butcher scales",
	Long: `CarniTrack edge gateway.
Bridges WiFi scales speaking the line protocol over TCP to the
CarniTrack Cloud REST API, with offline batching and local storage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
