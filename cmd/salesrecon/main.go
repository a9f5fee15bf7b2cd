package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/salesrecon/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "salesrecon",
	Short: "Marketplace and shipment sales reconciliation",
	Long: `salesrecon relates imported order lines to catalog SKUs, resolves kits,
emits sales with their stock movements and tracks shipment status.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if app.SkipStartup("salesrecon") {
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Default().Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// exitCode turns a non-zero command status into an error cobra reports.
func exitCode(name string, code int) error {
	if code == 0 {
		return nil
	}
	return fmt.Errorf("%s exited with status %d", name, code)
}
