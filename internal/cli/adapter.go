package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/scrapeguard/internal/core/domain"
)

var (
	adapterStatus string
	rollbackTo    string
	rollbackWhy   string
)

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Manage platform adapter versions",
}

var adapterHistoryCmd = &cobra.Command{
	Use:   "history [platform]",
	Short: "Show versions and rollbacks of a platform",
	Args:  cobra.ExactArgs(1),
	Run:   runAdapterHistory,
}

var adapterRegisterCmd = &cobra.Command{
	Use:   "register [platform] [version]",
	Short: "Register a new adapter version",
	Args:  cobra.ExactArgs(2),
	Run:   runAdapterRegister,
}

var adapterPromoteCmd = &cobra.Command{
	Use:   "promote [platform] [version]",
	Short: "Make a version the active one",
	Args:  cobra.ExactArgs(2),
	Run:   runAdapterPromote,
}

var adapterRollbackCmd = &cobra.Command{
	Use:   "rollback [platform]",
	Short: "Roll a platform back, to --to or the previous stable version",
	Args:  cobra.ExactArgs(1),
	Run:   runAdapterRollback,
}

func init() {
	adapterRegisterCmd.Flags().StringVar(&adapterStatus, "status", string(domain.AdapterStatusTesting), "active, testing or deprecated")
	adapterRollbackCmd.Flags().StringVar(&rollbackTo, "to", "", "target version (default: previous stable)")
	adapterRollbackCmd.Flags().StringVar(&rollbackWhy, "reason", "", "reason recorded in the history")

	adapterCmd.AddCommand(adapterHistoryCmd, adapterRegisterCmd, adapterPromoteCmd, adapterRollbackCmd)
	rootCmd.AddCommand(adapterCmd)
}

func runAdapterHistory(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	platform := args[0]
	versions, err := s.adapters.VersionHistory(ctx, platform)
	if err != nil {
		fail("Failed to load versions", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "VERSION\tSTATUS\tDEPLOYED\tSUCCESS\tREASON")
	for _, v := range versions {
		rate := "-"
		if v.SuccessRate != nil {
			rate = fmt.Sprintf("%.1f%%", *v.SuccessRate*100)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			v.Version, v.Status, v.DeployedAt.Format("2006-01-02 15:04"), rate, v.DeprecationReason)
	}
	_ = w.Flush()
	fmt.Println()

	rollbacks, err := s.adapters.RollbackHistory(ctx, platform, 20)
	if err != nil {
		fail("Failed to load rollbacks", err)
	}
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "WHEN\tFROM\tTO\tAUTO\tREASON")
	for _, ev := range rollbacks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			ev.Timestamp.Format("2006-01-02 15:04"), ev.FromVersion, ev.ToVersion, ev.Automatic, ev.Reason)
	}
	_ = w.Flush()
}

func runAdapterRegister(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	v, err := s.adapters.RegisterVersion(ctx, args[0], args[1], domain.AdapterStatus(adapterStatus))
	if err != nil {
		fail("Failed to register version", err)
	}
	slog.Info("Adapter version registered", "platform", v.Platform, "version", v.Version, "status", v.Status)
}

func runAdapterPromote(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	if _, err := s.adapters.PromoteToActive(ctx, args[0], args[1]); err != nil {
		fail("Failed to promote version", err)
	}
	slog.Info("Adapter version promoted", "platform", args[0], "version", args[1])
}

func runAdapterRollback(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()
	s := openStores(ctx, cfg)
	defer s.Close(ctx)

	ev, err := s.adapters.ForceRollback(ctx, args[0], rollbackTo, rollbackWhy)
	if err != nil {
		fail("Failed to roll back", err)
	}
	slog.Info("Adapter rolled back", "platform", ev.Platform, "from", ev.FromVersion, "to", ev.ToVersion)
}
