// Package root implements the command line interface for conductor.
package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/cmd/apply"
	"github.com/oar-cd/conductor/cmd/output"
	"github.com/oar-cd/conductor/cmd/run"
	"github.com/oar-cd/conductor/cmd/server"
	"github.com/oar-cd/conductor/cmd/token"
	"github.com/oar-cd/conductor/cmd/vault"
	"github.com/oar-cd/conductor/cmd/version"
	"github.com/oar-cd/conductor/config"
	"github.com/oar-cd/conductor/logging"
)

func Execute() {
	if err := NewCmdRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func NewCmdRoot() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "conductor",
		Short: "Playbook run orchestration engine",
		Long: `Conductor runs playbooks against servers over SSH.
It binds form variables, serializes runs per server, fires cron and webhook
triggers and keeps durable run output and audit records.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// version needs no configuration
			if cmd.Name() == "version" {
				return nil
			}
			return initialize(configPath)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.PersistentFlags().VarP(logging.LogLevel, "log-level", "l", "Set log verbosity level")
	cmd.PersistentFlags().Var(output.NoColor, "no-color", "Disable colored terminal output")
	cmd.PersistentFlags().Lookup("no-color").NoOptDefVal = "true"

	cmd.AddCommand(server.NewCmdServer())
	cmd.AddCommand(run.NewCmdRun())
	cmd.AddCommand(vault.NewCmdVault())
	cmd.AddCommand(apply.NewCmdApply())
	cmd.AddCommand(token.NewCmdToken())
	cmd.AddCommand(version.NewCmdVersion())
	return cmd
}

func initialize(configPath string) error {
	// Initialize configuration: file, then CONDUCTOR_* environment
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to initialize configuration: %w", err)
	}

	// Initialize colors (CLI flag overrides config)
	colorDisabled := !cfg.ColorEnabled
	if output.NoColor.IsSet() {
		colorDisabled = true // --no-color flag overrides config
	}
	output.InitColors(colorDisabled)

	// Initialize logging (CLI flag overrides config)
	logging.InitLogging(logging.LogLevel.Resolve(cfg.LogLevel))

	// Initialize application with config
	if err := app.InitializeWithConfig(cfg); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return nil
}
