package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/failover/internal/learning"
	"github.com/vietddude/failover/internal/metrics"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fallback and learning status of a running service",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://localhost:8080", "service address")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Status   string           `json:"status"`
	Learning learning.Stats   `json:"learning"`
	Fallback metrics.Snapshot `json:"fallback"`
}

func runStatus(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(statusAddr + "/health/detailed")
	if err != nil {
		slog.Error("Failed to reach service", "addr", statusAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		slog.Error("Failed to decode status", "error", err)
		os.Exit(1)
	}

	fmt.Printf("status: %s\n", report.Status)
	fmt.Printf("fallbacks: %d attempted, %d succeeded, %d failed (avg %s)\n",
		report.Fallback.FallbacksAttempted,
		report.Fallback.FallbacksSucceeded,
		report.Fallback.FallbacksFailed,
		report.Fallback.AverageDuration)
	fmt.Printf("patterns: %d learned, %d tracked, %d pending\n\n",
		report.Learning.LearnedPatterns,
		report.Learning.TrackedPatterns,
		report.Learning.PendingPatterns)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "MODEL\tRATE LIMITS\tREQUESTS\tOK\tFAILED\tAVG LATENCY")
	for key, m := range report.Fallback.Models {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			key, m.RateLimits, m.Requests, m.Successes, m.Failures, m.AverageLatency)
	}
	_ = w.Flush()
}
