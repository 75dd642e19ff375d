package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kotoba/internal/config"
	"github.com/harunnryd/kotoba/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "kotoba",
	Short:         "Kotoba conversational engine",
	Long:          `Kotoba answers questions over your documents with a streaming, tool-using language model.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		if ws, _ := cmd.Flags().GetString("workspace"); strings.TrimSpace(ws) != "" {
			expanded, err := config.ExpandPath(ws)
			if err != nil {
				return err
			}
			cfg.Store.WorkspacePath = expanded
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kotoba/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (overrides store.workspace_path)")
	rootCmd.PersistentFlags().StringP("session", "s", "", "session id; empty starts a new session")
	rootCmd.PersistentFlags().String("owner", "", "session owner (default orchestrator.owner)")
	rootCmd.PersistentFlags().String("scope", "", "knowledge scope (default orchestrator.scope)")
}
