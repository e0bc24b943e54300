package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the slow-check worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !ctx.config.SlowChecks.Enabled {
				return errors.New("slow checks are disabled in the configuration")
			}
			a, err := newApp(ctx.config)
			if err != nil {
				return err
			}
			defer a.close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if once {
				n, err := a.worker.RunOnce(runCtx)
				if err != nil {
					return err
				}
				cmd.Printf("Processed %d slow-check jobs\n", n)
				return nil
			}
			return a.runWorker(runCtx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process one batch of pending jobs and exit")
	return cmd
}
