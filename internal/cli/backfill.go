package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/backfill"
	"github.com/rcliao/layered-memory/internal/embedding"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed chunks stored without an embedding",
		Long:  "Embed up to the per-call cap of pending chunks. With --loop, repeat on the configured interval until interrupted.",
		Run:   runBackfill,
	}

	cmd.Flags().Bool("loop", false, "Keep running on the configured interval")

	RootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	loop, _ := cmd.Flags().GetBool("loop")
	cfg := loadConfig()

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	if loop {
		if cfg.Embedding.Provider == "" {
			exitErr("backfill", embedding.ErrNoProvider)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		backfill.NewRunner(svc.Backfill(), cfg.Backfill.Interval, cfg.Backfill.Timeout).Run(ctx)
		return
	}

	n, err := svc.RunBackfill(cmd.Context())
	if err != nil {
		exitErr("backfill", err)
	}
	if textOutput() {
		fmt.Printf("embedded %d chunks\n", n)
		return
	}
	fmt.Printf(`{"ok":true,"embedded":%d}`+"\n", n)
}
