package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/ent0n29/chatmem/internal/consolidation"
)

type drainCommander struct {
	flags  *rootFlags
	rounds int
}

func newDrainCmd(flags *rootFlags) *cobra.Command {
	cmder := &drainCommander{flags: flags}
	cmd := &cobra.Command{
		Use:   "drain <conversation-id>",
		Short: "Drain one conversation's backlog regardless of inactivity",
		Long: `Drain folds pending blocks of one conversation into its consolidated memory
until the log is caught up or --rounds is reached. Use it to clear backlog
when the background sweep is disabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&cmder.rounds, "rounds", 50, "Maximum drain rounds")
	return cmd
}

func (c *drainCommander) run(ctx context.Context, conversationID string, out io.Writer) error {
	res, done, err := bootstrap(ctx, c.flags)
	if err != nil {
		return err
	}
	defer done()

	report, err := res.Engine.DrainPending(ctx, conversationID, c.rounds, consolidation.TriggerManual)
	if printErr := printJSON(out, report); printErr != nil && err == nil {
		err = printErr
	}
	return err
}
