package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"media-intelligence/pkg/api"
)

func newServeCommand(g *globals) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket API",
		Long: `Start the HTTP and websocket API.

Routes:
  POST   /process     Process one file and wait for the result
  POST   /batch       Process several files and wait for all of them
  POST   /jobs        Queue one file, answers 202 with a job id
  GET    /runs/{id}   Status of a job or run
  DELETE /runs/{id}   Cancel a queued or running job
  GET    /ws          Websocket: process, subscribe, ping

Source refs resolve under backend.local.input_root and output locations
under storage.artifact_root. Left empty, they default to server.input_root
(./audio) and server.artifact_root (./artifacts).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := g.cfg
			cfg.ConfineRoots()
			if addr != "" {
				cfg.Server.Address = addr
			}

			a, err := buildApp(cmd.Context(), cfg, g.log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.manager.Start(ctx); err != nil {
				return fmt.Errorf("failed to start pipeline: %w", err)
			}
			defer a.manager.Stop()

			handlers := api.NewHandlers(a.manager, api.Options{
				Runs:        a.runs,
				Ledger:      a.ledger,
				Checks:      a.checks,
				BackendName: a.backend.Name(),
				Log:         g.log,
			})

			srv := &http.Server{
				Addr:         cfg.Server.Address,
				Handler:      handlers.Router(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				g.log.WithField("address", cfg.Server.Address).Info("server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}

			g.log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			g.log.Info("server exited")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.address)")
	return cmd
}
