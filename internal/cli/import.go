package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import chunks from JSON",
		Long:  "Import chunks from JSON (stdin or --file). Expects the format produced by export; existing ids are skipped.",
		Run:   runImport,
	}

	cmd.Flags().String("file", "", "Read chunks from file")

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")

	data, err := readContent(nil, file)
	if err != nil {
		exitErr("read input", err)
	}

	var chunks []model.Chunk
	if err := json.Unmarshal([]byte(data), &chunks); err != nil {
		exitErr("parse json", err)
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	imported, err := s.Import(cmd.Context(), chunks)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Printf(`{"ok":true,"imported":%d}`+"\n", imported)
}
