package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/cmd/kotoba/runtime"
	"github.com/harunnryd/kotoba/internal/engine"
	"github.com/harunnryd/kotoba/internal/orchestrator"
	"github.com/harunnryd/kotoba/internal/orchestrator/command"
)

type streamer interface {
	Stream(ctx context.Context, req orchestrator.Request) iter.Seq[engine.Event]
}

// REPL reads one message per line. Lines starting with "/" are slash commands.
type REPL struct {
	service  streamer
	commands *command.Handler
	state    *command.State
	owner    string
	in       *bufio.Scanner
	out      io.Writer
}

func NewREPL(service streamer, commands *command.Handler, req orchestrator.Request, in io.Reader, out io.Writer) *REPL {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &REPL{
		service:  service,
		commands: commands,
		state:    &command.State{SessionID: req.SessionID, Scope: req.Scope},
		owner:    req.Owner,
		in:       scanner,
		out:      out,
	}
}

func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Kotoba interactive session. Type /help for commands, /exit to quit.")

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}

		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}

		if r.commands.CanHandle(line) {
			reply, err := r.commands.Execute(ctx, r.state, line)
			if err != nil {
				fmt.Fprintln(r.out, newTextStyles().err.Render("error: "+err.Error()))
				continue
			}
			if reply != "" {
				fmt.Fprintln(r.out, reply)
			}
			if r.state.Exit {
				return nil
			}
			continue
		}

		res := renderText(r.out, r.service.Stream(ctx, orchestrator.Request{
			SessionID: r.state.SessionID,
			Owner:     r.owner,
			Scope:     r.state.Scope,
			Content:   line,
		}))
		if res.SessionID != "" {
			r.state.SessionID = res.SessionID
		}
	}
}

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeWithRuntime(cmd, func(ctx context.Context, c *runtime.Components) error {
			req := requestFromFlags(cmd, "")
			if req.Scope == "" {
				req.Scope = c.Config.Orchestrator.Scope
			}
			repl := NewREPL(c.Service, command.NewHandler(c.History), req, cmd.InOrStdin(), cmd.OutOrStdout())
			return repl.Run(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(replCmd)
}
