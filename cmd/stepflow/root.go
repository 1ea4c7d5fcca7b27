package main

import (
	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "stepflow",
		Short: "Workflow and approval orchestration engine",
		Long: `stepflow runs workflow definitions and approval chains on a durable store.

Examples:
  # Load definitions, then run workers and the metrics endpoint
  stepflow definitions load ./workflows.yaml
  stepflow serve --config ./stepflow.yaml

  # Drop finished instances older than 30 days
  stepflow purge --before 720h
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "configuration file (default ./stepflow.yaml)")

	cmd.AddCommand(
		newServeCommand(opts),
		newDefinitionsCommand(opts),
		newApprovalsCommand(opts),
		newRecoverCommand(opts),
		newPurgeCommand(opts),
	)
	return cmd
}
