package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fixbounty/fraudguard/internal/api"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var embedWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var queue api.SlowCheckQueue
			if cfg.SlowChecks.Enabled {
				queue = a.queue
			}
			handler := api.NewHandler(a.service, a.engine, queue, a.store, cfg.Server.MaxUploadMB)

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           api.NewRouter(cfg, handler),
				ReadHeaderTimeout: 10 * time.Second,
			}

			workerDone := make(chan struct{})
			if embedWorker && cfg.SlowChecks.Enabled {
				go func() {
					defer close(workerDone)
					if err := a.runWorker(runCtx); err != nil {
						log.Error().Err(err).Msg("Slow-check worker failed")
					}
				}()
			} else {
				close(workerDone)
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				stop()
				<-workerDone
				return err
			case <-runCtx.Done():
			}

			log.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown failed")
			}
			<-workerDone
			return nil
		},
	}

	cmd.Flags().BoolVar(&embedWorker, "worker", true, "Also run the slow-check worker in this process")
	return cmd
}
