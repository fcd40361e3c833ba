package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export chunks as JSON",
		Long:  "Export chunks, embeddings included, as a JSON array. Filter by layer with -l.",
		Run:   runExport,
	}

	cmd.Flags().StringP("layer", "l", "", "Filter by layer")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	layerStr, _ := cmd.Flags().GetString("layer")

	var layer model.Layer
	if layerStr != "" {
		l, err := model.ParseLayer(layerStr)
		if err != nil {
			exitErr("export", err)
		}
		layer = l
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	chunks, err := s.ExportAll(cmd.Context(), layer)
	if err != nil {
		exitErr("export", err)
	}
	if chunks == nil {
		chunks = []model.Chunk{}
	}
	printJSON(chunks)
}
