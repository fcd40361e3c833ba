package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/layered-memory/internal/backfill"
	"github.com/rcliao/layered-memory/internal/logger"
	"github.com/rcliao/layered-memory/internal/uploads"
)

func init() {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest files dropped into the uploads folder",
		Long: "Watch the uploads folder and ingest new or changed files matching the configured " +
			"patterns into the general layer. Pending embeddings are backfilled on the configured interval.",
		Run: runWatch,
	}

	cmd.Flags().String("dir", "", "Uploads folder (default from config)")
	cmd.Flags().StringSlice("pattern", nil, "Glob patterns relative to the folder (default from config)")
	cmd.Flags().Bool("no-backfill", false, "Do not run the backfill loop")

	RootCmd.AddCommand(cmd)
}

func runWatch(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")
	patterns, _ := cmd.Flags().GetStringSlice("pattern")
	noBackfill, _ := cmd.Flags().GetBool("no-backfill")

	cfg := loadConfig()
	if dir == "" {
		dir = cfg.Uploads.Dir
	}
	if len(patterns) == 0 {
		patterns = cfg.Uploads.Patterns
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	w, err := uploads.New(uploads.Config{Dir: dir, Patterns: patterns}, svc, logger.ForComponent("uploads"))
	if err != nil {
		exitErr("watch", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	if !noBackfill && cfg.Embedding.Provider != "" {
		runner := backfill.NewRunner(svc.Backfill(), cfg.Backfill.Interval, cfg.Backfill.Timeout)
		g.Go(func() error {
			runner.Run(ctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		exitErr("watch", err)
	}
}
