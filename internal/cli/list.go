package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List chunks in a layer, newest first",
		Run:   runList,
	}

	cmd.Flags().StringP("layer", "l", "general", "Layer to list")
	cmd.Flags().Int("limit", 20, "Max results (0 for all)")
	cmd.Flags().Bool("ids-only", false, "Only output chunk ids")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	layerStr, _ := cmd.Flags().GetString("layer")
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	layer, err := model.ParseLayer(layerStr)
	if err != nil {
		exitErr("list", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	chunks, err := s.ListLayer(cmd.Context(), layer)
	if err != nil {
		exitErr("list", err)
	}
	slices.Reverse(chunks)
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}

	if idsOnly {
		for _, c := range chunks {
			fmt.Println(c.ID)
		}
		return
	}
	for i := range chunks {
		chunks[i].Embedding = nil
	}
	printJSON(chunks)
}
