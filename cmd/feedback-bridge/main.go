package main

import (
	"fmt"
	"os"

	"github.com/agentuity/feedback-bridge/config"
	"github.com/agentuity/feedback-bridge/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time
var Version = "dev"

const serviceName = "feedback-bridge"

// app carries the settings resolved by the root command to the subcommands
type app struct {
	viper  *viper.Viper
	config *config.Config
}

func (a *app) load(cmd *cobra.Command) error {
	a.viper = config.New()
	if err := config.BindFlags(a.viper, cmd.Flags()); err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(a.viper, path); err != nil {
		return err
	}
	cfg, err := config.Load(a.viper)
	if err != nil {
		return err
	}
	a.config = cfg
	return nil
}

func (a *app) consoleLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.ParseLevel(a.config.LogLevel))
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "MCP server that routes an agent's questions to a human and waits for the answer",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "config file (default ./feedback-bridge.yaml)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newInitCommand(a))
	root.AddCommand(newConfigCommand(a))
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
