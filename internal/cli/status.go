package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show platform health, adapter versions and DLQ counts",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PLATFORM\tAVAILABLE\tSUCCESS 1H\tSUCCESS 24H\tREQ 1H\tFAILS\tLAST CHECK")
	for _, h := range s.health.GetAllPlatformHealth() {
		_, _ = fmt.Fprintf(w, "%s\t%t\t%.1f%%\t%.1f%%\t%d\t%d\t%s\n",
			h.Platform, h.IsAvailable, h.SuccessRate1h*100, h.SuccessRate24h*100,
			h.Requests1h, h.ConsecutiveFailures, h.LastCheck.Format("2006-01-02 15:04:05"))
	}
	_ = w.Flush()
	fmt.Println()

	summaries, err := s.adapters.Summaries(ctx)
	if err != nil {
		fail("Failed to load adapters", err)
	}
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ADAPTER\tACTIVE\tHEALTH\tVERSIONS\tLAST ROLLBACK")
	for _, sum := range summaries {
		last := "-"
		if sum.LastRollback != nil {
			last = fmt.Sprintf("%s -> %s (%s)", sum.LastRollback.FromVersion, sum.LastRollback.ToVersion,
				sum.LastRollback.Timestamp.Format("2006-01-02 15:04"))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", sum.Platform, sum.ActiveVersion, sum.Health, sum.VersionCount, last)
	}
	_ = w.Flush()
	fmt.Println()

	stats, err := s.queue.Stats(ctx, domain.OperationFilter{})
	if err != nil {
		fail("Failed to load DLQ stats", err)
	}
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "DLQ STATUS\tCOUNT")
	for _, st := range []domain.OperationStatus{
		domain.OperationStatusPendingRetry,
		domain.OperationStatusRequiresManual,
		domain.OperationStatusResolved,
	} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", st, stats.ByStatus[st])
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", stats.Total)
	_ = w.Flush()
}
