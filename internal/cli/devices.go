package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carnitrack/edge/internal/domain"
)

func init() {
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known scales and their status",
	RunE:  runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	var out struct {
		Devices []domain.Device `json:"devices"`
	}
	if err := apiGet("/api/devices", &out); err != nil {
		return err
	}
	if len(out.Devices) == 0 {
		fmt.Println("No scales have registered yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATUS\tCONNECTED\tLAST HEARTBEAT\tLAST EVENT\tEVENTS\tSESSION")
	for _, d := range out.Devices {
		conn := "no"
		if d.TCPConnected {
			conn = "yes"
		}
		session := d.ActiveCloudSessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			d.DeviceID, d.Status, conn,
			fmtTime(d.LastHeartbeatAt), fmtTime(d.LastEventAt),
			d.EventCount, session,
		)
	}
	return w.Flush()
}
