package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/carnitrack/edge/internal/domain"
)

func init() {
	rootCmd.AddCommand(batchesCmd)
}

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List offline batches and their reconciliation state",
	RunE:  runBatches,
}

func runBatches(cmd *cobra.Command, args []string) error {
	var out struct {
		Batches []domain.OfflineBatch `json:"batches"`
	}
	if err := apiGet("/api/batches", &out); err != nil {
		return err
	}
	if len(out.Batches) == 0 {
		fmt.Println("No offline batches.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tDEVICE\tSTARTED\tENDED\tEVENTS\tGRAMS\tSTATE")
	for _, b := range out.Batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			b.BatchID, b.DeviceID,
			fmtTime(b.StartedAt), fmtTime(b.EndedAt),
			b.EventCount, b.TotalWeightGrams, b.ReconciliationStatus,
		)
	}
	return w.Flush()
}
