package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/cmd/kotoba/runtime"
	"github.com/harunnryd/kotoba/internal/conversation"
	"github.com/harunnryd/kotoba/internal/emitter"
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Stream one answer",
	Long:  `Send one message and stream the answer. Use "-" to read the message from stdin.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := messageFromArgs(cmd, args)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format != "text" {
			if _, err := emitter.ForFormat(format); err != nil {
				return err
			}
		}

		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			events := c.Service.Stream(ctx, requestFromFlags(cmd, content))
			out := cmd.OutOrStdout()

			if format != "text" {
				enc, _ := emitter.ForFormat(format)
				return emitter.Emit(out, enc, events)
			}

			res := renderText(out, events)
			if res.SessionID != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), newTextStyles().meta.Render("session "+res.SessionID))
			}
			return res.Err
		})
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Ask and print the final answer",
	Long:  `Send one message, wait for the full answer and print it. Use "-" to read the message from stdin.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := messageFromArgs(cmd, args)
		if err != nil {
			return err
		}

		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			turn, err := c.Service.Ask(ctx, requestFromFlags(cmd, content))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), turn.Text())
			if turn.Metadata[conversation.MetaTruncated] == "true" {
				fmt.Fprintln(cmd.ErrOrStderr(), newTextStyles().warn.Render("[stopped: tool iteration limit reached]"))
			}
			fmt.Fprintln(cmd.ErrOrStderr(), newTextStyles().meta.Render("session "+turn.SessionID))
			return nil
		})
	},
}

func init() {
	chatCmd.Flags().StringP("format", "f", "text", "output format: text, sse or ndjson")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
}
