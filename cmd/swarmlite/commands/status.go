package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status <workflow-id>",
		Short:   "Show the latest recorded status of a workflow",
		Example: `  swarmlite status w1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			if err := a.openStore(ctx); err != nil {
				return err
			}

			status, found, err := a.store.WorkflowStatus(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("workflow %s not found", args[0])
			}

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"workflow_id": args[0],
					"status":      status,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], status)
			return nil
		},
	}
}

func newLookupCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "lookup <idempotency-key>",
		Short:   "Resolve an idempotency key to its workflow id",
		Example: `  swarmlite lookup order-1234`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			if err := a.openStore(ctx); err != nil {
				return err
			}

			id, found, err := a.store.WorkflowByIdempotencyKey(ctx, args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("idempotency key %s not found", args[0])
			}

			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]string{
					"idempotency_key": args[0],
					"workflow_id":     id,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
