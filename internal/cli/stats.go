package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-layer and per-model chunk counts",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	stats, err := s.Stats(cmd.Context(), getDBPath())
	if err != nil {
		exitErr("stats", err)
	}

	if textOutput() {
		fmt.Printf("%s (%d bytes)\n", stats.DBPath, stats.DBSizeBytes)
		fmt.Printf("chunks: %d  embedded: %d  pending: %d\n", stats.TotalChunks, stats.Embedded, stats.Pending)
		for _, l := range stats.Layers {
			fmt.Printf("  %-10s %6d  (%d embedded)\n", l.Layer, l.Count, l.Embedded)
		}
		for _, m := range stats.Models {
			fmt.Printf("  model %s: %d\n", m.Model, m.Count)
		}
		return
	}
	printJSON(stats)
}
