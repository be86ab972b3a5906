package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the stored session and its remaining lifetime",
	Run:   runSession,
}

func init() {
	rootCmd.AddCommand(sessionCmd)
}

func runSession(cmd *cobra.Command, args []string) {
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

	cred := app.Coordinator().Cached()
	remaining, _ := app.Coordinator().RemainingLifetime()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SESSION\tBACKEND\tEXPIRES\tREMAINING")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
		cfg.Session.ID,
		cfg.Session.Backend,
		cred.Expiry().Format(time.RFC3339),
		remaining.Round(time.Second),
	)
	_ = w.Flush()
}
