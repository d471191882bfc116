package main

import (
	"github.com/spf13/cobra"
)

func newContextCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "context <conversation-id>",
		Short: "Print the context rebuilt from durable state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, done, err := bootstrap(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer done()

			view, err := res.Rehydrator.Rehydrate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}
