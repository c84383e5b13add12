package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

var (
	dlqStatus   string
	dlqType     string
	dlqPlatform string
	dlqLimit    int
	dlqReason   string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed operations, newest first",
	Run:   runDLQList,
}

var dlqResolveCmd = &cobra.Command{
	Use:   "resolve [id]",
	Short: "Mark a failed operation as resolved",
	Args:  cobra.ExactArgs(1),
	Run:   runDLQResolve,
}

var dlqEscalateCmd = &cobra.Command{
	Use:   "escalate [id]",
	Short: "Move a failed operation to manual review",
	Args:  cobra.ExactArgs(1),
	Run:   runDLQEscalate,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Make a failed operation due for replay now",
	Args:  cobra.ExactArgs(1),
	Run:   runDLQRetry,
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqStatus, "status", "", "comma separated statuses")
	dlqListCmd.Flags().StringVar(&dlqType, "type", "", "operation type")
	dlqListCmd.Flags().StringVar(&dlqPlatform, "platform", "", "platform")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 50, "maximum rows")
	dlqEscalateCmd.Flags().StringVar(&dlqReason, "reason", "escalated by operator", "reason shown to reviewers")

	dlqCmd.AddCommand(dlqListCmd, dlqResolveCmd, dlqEscalateCmd, dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}

func fail(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func runDLQList(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	filter := domain.OperationFilter{
		Type:     domain.OperationType(dlqType),
		Platform: dlqPlatform,
		Limit:    dlqLimit,
	}
	if dlqStatus != "" {
		for _, part := range strings.Split(dlqStatus, ",") {
			filter.Statuses = append(filter.Statuses, domain.OperationStatus(strings.TrimSpace(part)))
		}
	}

	ops, err := s.queue.List(ctx, filter)
	if err != nil {
		fail("Failed to list operations", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tPLATFORM\tSTATUS\tATTEMPTS\tNEXT RETRY\tERROR")
	for _, op := range ops {
		next := "-"
		if op.NextRetryAt != nil {
			next = op.NextRetryAt.Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			op.ID, op.Type, op.Platform, op.Status, op.Attempts, op.MaxAttempts, next, truncate(op.Error, 60))
	}
	_ = w.Flush()
}

func runDLQResolve(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	op, err := s.queue.MarkResolved(ctx, args[0])
	if err != nil {
		fail("Failed to resolve operation", err)
	}
	slog.Info("Operation resolved", "id", op.ID, "type", op.Type)
}

func runDLQEscalate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	op, err := s.queue.MarkRequiresManual(ctx, args[0], dlqReason)
	if err != nil {
		fail("Failed to escalate operation", err)
	}
	slog.Info("Operation escalated", "id", op.ID, "reason", op.ManualReason)
}

func runDLQRetry(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	op, err := s.queue.Requeue(ctx, args[0])
	if err != nil {
		fail("Failed to requeue operation", err)
	}
	slog.Info("Operation requeued", "id", op.ID, "attempts", op.Attempts, "max_attempts", op.MaxAttempts)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
