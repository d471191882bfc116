package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveCommander struct {
	flags   *rootFlags
	addr    string
	noSweep bool
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	cmder := &serveCommander{flags: flags}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&cmder.addr, "addr", "", "Listen address (overrides APP_BIND_ADDR)")
	cmd.Flags().BoolVar(&cmder.noSweep, "no-sweep", false, "Do not start the background sweep in this process")
	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	res, done, err := bootstrap(ctx, c.flags)
	if err != nil {
		return err
	}
	defer done()
	log := res.Logger

	addr := res.Config.BindAddr
	if strings.TrimSpace(c.addr) != "" {
		addr = c.addr
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: res.API.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if !c.noSweep {
		g.Go(func() error {
			return res.Sweeper.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), res.Config.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
			_ = httpServer.Close()
		}
		return nil
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}
