package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Semantic search across memory layers",
		Long:  "Embed the query and rank stored chunks by weighted cosine similarity across layers.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().IntP("top-k", "k", 0, "Max results (default from config)")
	cmd.Flags().Int("per-layer-k", 0, "Max candidates per layer and model")
	cmd.Flags().StringSliceP("layer", "l", nil, "Restrict to layers")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	topK, _ := cmd.Flags().GetInt("top-k")
	perLayerK, _ := cmd.Flags().GetInt("per-layer-k")
	layerStrs, _ := cmd.Flags().GetStringSlice("layer")
	query := strings.Join(args, " ")

	var layers []model.Layer
	for _, s := range layerStrs {
		l, err := model.ParseLayer(strings.TrimSpace(s))
		if err != nil {
			exitErr("search", err)
		}
		layers = append(layers, l)
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	results, err := svc.SearchLayers(cmd.Context(), retrieval.SearchParams{
		Query:     query,
		TopK:      topK,
		PerLayerK: perLayerK,
		Layers:    layers,
	})
	if err != nil {
		exitErr("search", err)
	}

	if textOutput() {
		for _, r := range results {
			fmt.Printf("%.3f  [%s]  %s\n", r.Score, r.Layer, r.Content)
		}
		return
	}
	if len(results) == 0 {
		fmt.Println("[]")
		return
	}
	printJSON(results)
}
