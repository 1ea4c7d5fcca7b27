package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/definitions"
)

func newDefinitionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Manage workflow definitions",
	}
	cmd.AddCommand(newLoadCommand(opts, "workflow definitions", func(b *definitions.Bundle) {
		b.Approvals = nil
	}))
	return cmd
}

func newApprovalsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage approval workflows",
	}
	cmd.AddCommand(newLoadCommand(opts, "approval workflows", func(b *definitions.Bundle) {
		b.Workflows = nil
	}))
	return cmd
}

// newLoadCommand builds a "load" subcommand; keep trims the parsed bundle
// to the kind the parent command manages.
func newLoadCommand(opts *rootOptions, what string, keep func(*definitions.Bundle)) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>...",
		Short: "Create " + what + " from YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			for _, path := range args {
				bundle, err := definitions.LoadFile(path)
				if err != nil {
					return err
				}
				keep(bundle)
				res, err := definitions.Apply(ctx, a.engine, bundle)
				if err != nil {
					return err
				}
				for _, def := range res.Workflows {
					fmt.Fprintf(cmd.OutOrStdout(), "workflow %s v%d %s\n", def.Name, def.Version, def.ID)
				}
				for _, wf := range res.Approvals {
					fmt.Fprintf(cmd.OutOrStdout(), "approval %s (%s) %s\n", wf.Name, wf.RequestType, wf.ID)
				}
			}
			return nil
		},
	}
}
