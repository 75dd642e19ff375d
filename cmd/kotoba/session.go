package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/cmd/kotoba/runtime"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect sessions",
	Long:  `List sessions in the workspace and print their transcripts.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			sessions, err := c.Service.Sessions().List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatSessions(sessions))
			if len(sessions) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d session(s)\n", len(sessions))
			}
			return nil
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		width, _ := cmd.Flags().GetInt("width")
		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			turns, err := c.Service.Transcript(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatTranscript(turns, width))
			return nil
		})
	},
}

func init() {
	sessionShowCmd.Flags().Int("width", 80, "maximum characters of content per turn")
	sessionCmd.AddCommand(sessionLsCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}
