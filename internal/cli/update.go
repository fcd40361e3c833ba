package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/layers"
	"github.com/rcliao/layered-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "update [layer...]",
		Short: "Run layer update policies over conversation turns",
		Long: "Read a JSON array of turns ({role, content, at}) from --file or stdin and run the " +
			"update policy of each named layer. Defaults to emotional, rational and historical.",
		Run: runUpdate,
	}

	cmd.Flags().String("conversation", "", "Conversation id recorded on produced chunks")
	cmd.Flags().String("file", "", "Read turns from file")

	RootCmd.AddCommand(cmd)
}

func runUpdate(cmd *cobra.Command, args []string) {
	convID, _ := cmd.Flags().GetString("conversation")
	file, _ := cmd.Flags().GetString("file")

	targets := []model.Layer{model.LayerEmotional, model.LayerRational, model.LayerHistorical}
	if len(args) > 0 {
		targets = targets[:0]
		for _, a := range args {
			l, err := model.ParseLayer(a)
			if err != nil {
				exitErr("update", err)
			}
			targets = append(targets, l)
		}
	}

	data, err := readContent(nil, file)
	if err != nil {
		exitErr("read turns", err)
	}
	var turns []model.Turn
	if err := json.Unmarshal([]byte(data), &turns); err != nil {
		exitErr("parse turns", err)
	}

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	var results []layers.UpdateResult
	for _, l := range targets {
		res, err := svc.RunLayerUpdate(cmd.Context(), layers.UpdateRequest{
			Layer:          l,
			ConversationID: convID,
			Turns:          turns,
		})
		if err != nil {
			exitErr(fmt.Sprintf("update %s", l), err)
		}
		results = append(results, res)
	}

	if textOutput() {
		for _, r := range results {
			if r.Skipped {
				fmt.Printf("%s: skipped (%s)\n", r.Layer, r.Reason)
				continue
			}
			fmt.Printf("%s: +%d -%d embedded %d\n", r.Layer, r.Inserted, r.Deleted, r.Embedded)
		}
		return
	}
	printJSON(results)
}
