package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/cmd/kotoba/runtime"
	"github.com/harunnryd/kotoba/internal/orchestrator"
)

// executeWithRuntime builds the runtime, runs fn under a signal-aware context and releases
// everything afterwards.
func executeWithRuntime(cmd *cobra.Command, fn func(ctx context.Context, c *runtime.Components) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	signals := NewSignalHandler(ctx, cmd.ErrOrStderr())
	signals.Start()
	defer signals.Stop()

	components, err := runtime.NewBuilder(cfg).Build(signals.Context())
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer components.Close()

	return fn(signals.Context(), components)
}

func requestFromFlags(cmd *cobra.Command, content string) orchestrator.Request {
	sessionID, _ := cmd.Flags().GetString("session")
	owner, _ := cmd.Flags().GetString("owner")
	scope, _ := cmd.Flags().GetString("scope")
	return orchestrator.Request{
		SessionID: strings.TrimSpace(sessionID),
		Owner:     strings.TrimSpace(owner),
		Scope:     strings.TrimSpace(scope),
		Content:   content,
	}
}

// messageFromArgs joins the positional arguments; a single "-" reads the message from stdin.
func messageFromArgs(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		args = []string{string(data)}
	}
	msg := strings.TrimSpace(strings.Join(args, " "))
	if msg == "" {
		return "", fmt.Errorf("message is empty")
	}
	return msg, nil
}
