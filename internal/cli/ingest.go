package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/memory"
	"github.com/rcliao/layered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest [text]",
		Short: "Chunk and store content in a memory layer",
		Long: "Chunk content, store it, and embed it when an embedding provider is configured. " +
			"Content comes from arguments, --file, or stdin.",
		Run: runIngest,
	}

	cmd.Flags().StringP("layer", "l", "general", "Target layer")
	cmd.Flags().String("source", "import", "Source: conversation, upload or import")
	cmd.Flags().String("source-id", "", "Identifier of the originating item")
	cmd.Flags().String("kind", "text", "Content kind: text or image")
	cmd.Flags().Bool("structured", false, "Split on markdown headings and paragraphs first")
	cmd.Flags().String("file", "", "Read content from file")

	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	layerStr, _ := cmd.Flags().GetString("layer")
	sourceStr, _ := cmd.Flags().GetString("source")
	sourceID, _ := cmd.Flags().GetString("source-id")
	kindStr, _ := cmd.Flags().GetString("kind")
	structured, _ := cmd.Flags().GetBool("structured")
	file, _ := cmd.Flags().GetString("file")

	text, err := readContent(args, file)
	if err != nil {
		exitErr("read content", err)
	}
	layer, err := model.ParseLayer(layerStr)
	if err != nil {
		exitErr("ingest", err)
	}
	source, err := model.ParseSource(sourceStr)
	if err != nil {
		exitErr("ingest", err)
	}
	kind, err := model.ParseKind(kindStr)
	if err != nil {
		exitErr("ingest", err)
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	chunks, err := svc.Ingest(cmd.Context(), memory.IngestParams{
		Text:       text,
		Source:     source,
		SourceID:   sourceID,
		Layer:      layer,
		Kind:       kind,
		Structured: structured,
	})
	if err != nil {
		exitErr("ingest", err)
	}

	if textOutput() {
		fmt.Printf("stored %d chunks in %s\n", len(chunks), layer)
		return
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	printJSON(map[string]any{"ok": true, "layer": layer, "chunks": len(chunks), "ids": ids})
}
