// runsim replays scripted workflow runs over the orchestrator protocol so the
// monitor can be developed and demoed without a real backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"runwatch/internal/logging"
	"runwatch/internal/simserver"
)

func main() {
	var (
		addr        string
		catalogPath string
		logLevel    string
	)

	root := &cobra.Command{
		Use:   "runsim",
		Short: "Scripted workflow-run simulator for runwatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logging.Config{Level: logLevel})

			catalog, err := simserver.LoadCatalog(catalogPath)
			if err != nil {
				return err
			}

			server := simserver.New(simserver.Config{
				Addr:    addr,
				Catalog: catalog,
				Logger:  logger,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				logger.Info("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(ctx)
			}
		},
	}

	root.Flags().StringVar(&addr, "addr", ":8900", "listen address")
	root.Flags().StringVar(&catalogPath, "catalog", "examples/review-loop.yaml", "workflow script catalog")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
