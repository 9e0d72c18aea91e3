package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carnitrack/edge/internal/domain"
)

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Maximum number of events to show")
	rootCmd.AddCommand(eventsCmd)
}

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recently captured weighing events",
	RunE:  runEvents,
}

func runEvents(cmd *cobra.Command, args []string) error {
	var out struct {
		Events []domain.WeighingEvent `json:"events"`
	}
	if err := apiGet(fmt.Sprintf("/api/events?limit=%d", eventsLimit), &out); err != nil {
		return err
	}
	if len(out.Events) == 0 {
		fmt.Println("No events captured yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tDEVICE\tPLU\tPRODUCT\tGRAMS\tSYNC\tOFFLINE")
	for _, e := range out.Events {
		offline := ""
		if e.OfflineMode {
			offline = e.OfflineBatchID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			fmtTime(e.ReceivedAt), e.DeviceID, e.PLUCode, e.ProductName,
			e.WeightGrams, e.SyncStatus, offline,
		)
	}
	return w.Flush()
}
