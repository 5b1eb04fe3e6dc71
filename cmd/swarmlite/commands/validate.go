package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Validate a workflow definition without running it",
		Long: `Validate a workflow definition without running it.

This command checks:
  - YAML/JSON syntax
  - Schema conformance (CUE)
  - Task dependencies and cycles
  - Governance policy compliance (OPA/rego)

Every governance violation is reported, not only the first.`,
		Example: `  # Validate a definition
  swarmlite validate examples/hello.yaml

  # Validate against another policy
  swarmlite --governance ./strict.yaml validate examples/hello.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			wf, err := a.parser.ParseFile(args[0], "")
			if err != nil {
				return err
			}
			if err := a.openGovernance(ctx); err != nil {
				return err
			}

			violations, err := a.governance.Evaluate(ctx, wf)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := printJSON(out, map[string]interface{}{
					"workflow_id": wf.ID,
					"tasks":       len(wf.Tasks),
					"valid":       len(violations) == 0,
					"violations":  violations,
				}); err != nil {
					return err
				}
			} else {
				for _, v := range violations {
					fmt.Fprintf(out, "%s: task %s: %s\n", v.Rule, v.TaskID, v.Message)
				}
				if len(violations) == 0 {
					fmt.Fprintf(out, "workflow %s is valid (%d tasks)\n", wf.ID, len(wf.Tasks))
				}
			}

			if len(violations) > 0 {
				return fmt.Errorf("workflow %s has %d governance violation(s)", wf.ID, len(violations))
			}
			return nil
		},
	}

	return cmd
}
