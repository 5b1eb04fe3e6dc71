package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/swarmlite/swarmlite/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printWorkflow(w io.Writer, wf *engine.Workflow) error {
	fmt.Fprintf(w, "workflow %s: %s\n", wf.ID, wf.Status)
	if wf.Error != "" {
		fmt.Fprintf(w, "error: %s\n", wf.Error)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTYPE\tSTATUS\tATTEMPTS\tERROR")
	for _, t := range wf.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Type, t.Status, t.Attempts, t.Error)
	}
	return tw.Flush()
}
