package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run one health probe and print the connection status",
	Run:   runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	app := newAgent(ctx, cfg)
	defer func() {
		_ = app.Close()
	}()

	start := time.Now()
	err := app.Monitor().Probe(ctx)
	rtt := time.Since(start)

	info := app.Monitor().Info()
	fmt.Printf("status: %s\n", info.Status)
	fmt.Printf("rtt:    %s\n", rtt.Round(time.Millisecond))
	if err != nil {
		slog.Error("Probe failed", "error", err)
		os.Exit(1)
	}
}
