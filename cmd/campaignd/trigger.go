package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var triggerAddr string

var triggerCmd = &cobra.Command{
	Use:   "trigger <campaign-id>",
	Short: "Manually trigger a campaign run",
	Long:  `Ask a running campaignd daemon to start a run for the given campaign.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerAddr, "addr", "http://localhost:8085", "daemon base URL")
}

func runTrigger(cmd *cobra.Command, args []string) error {
	campaignID := args[0]

	client := &http.Client{Timeout: 30 * time.Second}
	url := fmt.Sprintf("%s/campaigns/%s/trigger", triggerAddr, campaignID)

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusAccepted {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("trigger rejected: %s", errResp.Error)
		}
		return fmt.Errorf("trigger rejected: HTTP %d", resp.StatusCode)
	}

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &run); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	fmt.Printf("Run started\n")
	fmt.Printf("  Run ID: %s\n", run.ID)
	fmt.Printf("  Status: %s\n", run.Status)
	return nil
}
