package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/cmd/kotoba/runtime"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tool table",
}

var toolsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the tools the model can call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			fmt.Fprintln(cmd.OutOrStdout(), formatTools(c.Registry.Descriptors()))
			return nil
		})
	},
}

func init() {
	toolsCmd.AddCommand(toolsLsCmd)
	rootCmd.AddCommand(toolsCmd)
}
