package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/failover/internal/core/domain"
)

var patternsAddr string

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage learned rate-limit patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned patterns",
	Run:   runPatternsList,
}

var patternsRemoveCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a learned pattern by its provider:patterns key",
	Args:  cobra.ExactArgs(1),
	Run:   runPatternsRemove,
}

func init() {
	patternsCmd.PersistentFlags().StringVar(&patternsAddr, "addr", "http://localhost:8080", "service address")
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsRemoveCmd)
	rootCmd.AddCommand(patternsCmd)
}

func runPatternsList(cmd *cobra.Command, args []string) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(patternsAddr + "/patterns")
	if err != nil {
		slog.Error("Failed to reach service", "addr", patternsAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var patterns []domain.LearnedPattern
	if err := json.NewDecoder(resp.Body).Decode(&patterns); err != nil {
		slog.Error("Failed to decode patterns", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NAME\tPROVIDER\tCONFIDENCE\tSAMPLES\tLEARNED\tKEY")
	for i := range patterns {
		p := &patterns[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\t%s\n",
			p.Name, p.Provider, p.Confidence, p.SampleCount,
			p.LearnedAt.Format(time.RFC3339), p.Key())
	}
	_ = w.Flush()
}

func runPatternsRemove(cmd *cobra.Command, args []string) {
	target := patternsAddr + "/patterns?key=" + url.QueryEscape(args[0])
	req, err := http.NewRequest(http.MethodDelete, target, nil)
	if err != nil {
		slog.Error("Failed to build request", "error", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		slog.Error("Failed to reach service", "addr", patternsAddr, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("Remove failed", "status", resp.StatusCode, "body", string(body))
		os.Exit(1)
	}
	fmt.Println("pattern removed")
}
