package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep pass and print the report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
}

func runSweep(ctx context.Context, flags *rootFlags, out io.Writer) error {
	res, done, err := bootstrap(ctx, flags)
	if err != nil {
		return err
	}
	defer done()

	report, err := res.Sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(out, report); err != nil {
		return err
	}
	if n := report.Failed(); n > 0 {
		return fmt.Errorf("%d conversation(s) failed to drain", n)
	}
	return nil
}
