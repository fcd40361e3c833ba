package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/layered-memory/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [query]",
		Short: "Assemble layered memory for a prompt",
		Long:  "Retrieve memory across layers, then greedily pack it into a token budget.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runContext,
	}

	cmd.Flags().IntP("budget", "b", 2000, "Max tokens in output")
	cmd.Flags().IntP("top-k", "k", 0, "Max memories considered (default from config)")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) {
	budget, _ := cmd.Flags().GetInt("budget")
	topK, _ := cmd.Flags().GetInt("top-k")

	svc, err := openService()
	if err != nil {
		exitErr("open service", err)
	}
	defer closeService(svc)

	result := svc.Context(cmd.Context(), memory.ContextParams{
		Query:  strings.Join(args, " "),
		TopK:   topK,
		Budget: budget,
	})

	if textOutput() {
		fmt.Print(result.Format())
		return
	}
	printJSON(result)
}
