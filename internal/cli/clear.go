package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all chunks of a layer, or everything",
		Run:   runClear,
	}

	cmd.Flags().StringP("layer", "l", "", "Layer to clear")
	cmd.Flags().Bool("all", false, "Clear every layer")

	RootCmd.AddCommand(cmd)
}

func runClear(cmd *cobra.Command, args []string) {
	layerStr, _ := cmd.Flags().GetString("layer")
	all, _ := cmd.Flags().GetBool("all")
	if (layerStr == "") == !all {
		exitErr("clear", fmt.Errorf("pass exactly one of --layer or --all"))
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	var deleted int64
	if all {
		deleted, err = svc.ClearAll(cmd.Context())
	} else {
		var layer model.Layer
		layer, err = model.ParseLayer(layerStr)
		if err == nil {
			deleted, err = svc.ClearLayer(cmd.Context(), layer)
		}
	}
	if err != nil {
		exitErr("clear", err)
	}

	fmt.Printf(`{"ok":true,"deleted":%d}`+"\n", deleted)
}
