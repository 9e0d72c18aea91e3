package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/carnitrack/edge/internal/daemon"
)

// apiGet fetches a JSON document from the running daemon's admin API.
func apiGet(path string, out any) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d%s", cfg.API.Host, cfg.API.Port, path)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("is the gateway running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fmtTime renders a timestamp for table output, or "-" when unset.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}
