package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		idempotencyKey string
		watchPolicy    bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Parse, validate and execute a workflow",
		Long: `Parse a YAML or JSON workflow definition, check it against the governance
policy and execute it, recording every transition in the state store.

If --idempotency-key names a workflow that was already submitted, nothing
runs and the existing workflow id is reported instead. Re-running a
definition with the same workflow_id resumes it: tasks already recorded as
successful are skipped.`,
		Example: `  # Run a workflow
  swarmlite run examples/hello.yaml

  # Run at most once per client token
  swarmlite run --idempotency-key order-1234 examples/hello.yaml

  # Run independent tasks two at a time; writes need a key
  swarmlite --parallelism 2 run --idempotency-key summary-42 examples/pipeline.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.close(); err != nil {
					a.logger.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if err := a.tel.StartMetricsServer(); err != nil {
				return err
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}

			if idempotencyKey != "" {
				existing, found, err := a.store.WorkflowByIdempotencyKey(ctx, idempotencyKey)
				if err != nil {
					return err
				}
				if found {
					a.logger.Info().
						Str("idempotency_key", idempotencyKey).
						Str("workflow_id", existing).
						Msg("Idempotency key already processed")
					if opts.jsonOutput {
						return printJSON(cmd.OutOrStdout(), map[string]string{
							"status":      "already_processed",
							"workflow_id": existing,
						})
					}
					fmt.Fprintf(cmd.OutOrStdout(), "already_processed %s\n", existing)
					return nil
				}
			}

			wf, err := a.parser.ParseFile(args[0], idempotencyKey)
			if err != nil {
				return err
			}

			if err := a.openGovernance(ctx); err != nil {
				return err
			}
			if watchPolicy {
				if err := a.governance.Watch(ctx); err != nil {
					return err
				}
			}

			eng := a.newEngine()
			if _, err := eng.StartWorkflow(ctx, wf); err != nil {
				return err
			}
			if err := eng.Wait(ctx, wf.ID); err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = eng.Shutdown(shutdownCtx)
			}

			if opts.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), wf); err != nil {
					return err
				}
			} else if err := printWorkflow(cmd.OutOrStdout(), wf); err != nil {
				return err
			}

			if wf.Status != engine.WorkflowStatusSuccess {
				return fmt.Errorf("workflow %s finished with status %s", wf.ID, wf.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "client token that makes the submission run at most once")
	cmd.Flags().BoolVar(&watchPolicy, "watch-policy", false, "reload the governance policy when its file changes")

	return cmd
}
