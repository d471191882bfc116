package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/app"
	"github.com/ent0n29/chatmem/internal/config"
	"github.com/ent0n29/chatmem/internal/logger"
)

const rootLongDesc string = `chatmem keeps long-lived chat conversations within a bounded context.

Recent turns stay in memory; older history is folded into a durable summary
and fact set, inline when a conversation resumes after inactivity and in the
background by the sweep.

Commands:
  chatmem serve              Run the HTTP API and the sweep scheduler
  chatmem sweep              Run one sweep pass and print its report
  chatmem drain <id>         Drain one conversation until caught up
  chatmem context <id>       Print the rehydrated context of a conversation`

const rootShortDesc string = "chatmem - conversation memory consolidation"

type rootFlags struct {
	debug bool
	json  bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "chatmem",
		Short:         rootShortDesc,
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging (overrides APP_LOG_DEBUG)")
	cmd.PersistentFlags().BoolVar(&flags.json, "log-json", false, "Emit JSON logs (overrides APP_LOG_JSON)")

	cmd.AddCommand(
		newServeCmd(flags),
		newSweepCmd(flags),
		newDrainCmd(flags),
		newContextCmd(flags),
	)
	return cmd
}

// bootstrap loads config, builds the logger and wires the components.
func bootstrap(ctx context.Context, flags *rootFlags) (*app.BuildResult, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}
	log := logger.New(cfg.LogDebug || flags.debug, cfg.LogJSON || flags.json)

	res, err := app.Build(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	done := func() {
		if err := res.Cleanup(); err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
		_ = log.Sync()
	}
	return res, done, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
