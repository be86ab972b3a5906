package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/resilience/internal/resilience/classify"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a credential refresh for the stored session",
	Run:   runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	app := newAgent(ctx, cfg)
	defer func() {
		_ = app.Close()
	}()

	if err := app.Coordinator().Load(ctx); err != nil {
		slog.Error("Failed to load session", "error", err)
		os.Exit(1)
	}

	cred, err := app.Coordinator().GetValidCredential(ctx, true)
	if err != nil {
		slog.Error("Refresh failed", "category", classify.Classify(err), "error", err)
		os.Exit(1)
	}

	fmt.Printf("expires_at: %s\n", cred.Expiry().Format(time.RFC3339))
	fmt.Printf("remaining:  %s\n", cred.RemainingLifetime(time.Now()).Round(time.Second))
}
