package main

import (
	"fmt"
	"os"

	"github.com/agentuity/feedback-bridge/endpoint"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func workspaceDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve workspace directory")
	}
	return dir, nil
}

func newInitCommand(a *app) *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the editor MCP entry and always-apply rule into the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := workspaceDir(a.config.Workspace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !checkOnly {
				res, err := endpoint.Write(workspace, a.config.Port)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", res.ConfigPath)
				if res.BackupPath != "" {
					fmt.Fprintf(out, "previous config was unreadable, saved as %s\n", res.BackupPath)
				}
				if res.RuleCreated {
					fmt.Fprintf(out, "wrote %s\n", res.RulePath)
				}
			}
			status, err := endpoint.Check(workspace)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, status.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report what is configured")
	return cmd
}
