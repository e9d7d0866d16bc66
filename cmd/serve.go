package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"scanhub/internal/bootstrap/logging"
	"scanhub/internal/errs"
	"scanhub/internal/httpapi"
)

// serveCmd runs the orchestration server: reconcile leftover state, start the
// dispatcher and serve the HTTP API until a shutdown signal arrives.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan orchestration server",
	RunE: withApp(func(cmd *cobra.Command, deps appDeps) error {
		ctx := logging.WithAttrs(cmd.Context(), slog.String("command", cmd.CommandPath()))

		if err := deps.App.InitSchema(ctx); err != nil {
			return errs.Wrap(err, "initialize schema")
		}

		// Startup reconcile: settle orphaned executions, suspend unfinished
		// jobs. The dispatcher resumes them before taking new work.
		if err := deps.Reconciler.Reconcile(ctx); err != nil {
			return errs.Wrap(err, "reconcile persisted state")
		}

		if err := deps.Dispatcher.Start(ctx); err != nil {
			return errs.Wrap(err, "start dispatcher")
		}

		router := httpapi.NewRouter(&httpapi.App{
			Service: deps.Service,
			Queue:   deps.Queue,
		})
		server := &http.Server{
			Addr:              deps.App.Config.Server.Listen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logging.Info(ctx, "http server listening", slog.String("addr", server.Addr))
			serveErr <- server.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errs.Wrap(err, "serve http")
			}
		case <-ctx.Done():
		}

		logging.Info(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Warn(ctx, "http shutdown incomplete", slog.Any("err", errs.Loggable(err)))
		}
		if err := deps.Dispatcher.Stop(); err != nil {
			logging.Warn(ctx, "dispatcher stop failed", slog.Any("err", errs.Loggable(err)))
		}
		if err := deps.Queue.Shutdown(shutdownCtx); err != nil {
			logging.Warn(ctx, "execution queue drain incomplete", slog.Any("err", errs.Loggable(err)))
		}

		// Whatever is still QUEUED or RUNNING gets suspended so the next
		// start resumes it. Product processes keep running on their own.
		if suspended, err := deps.Jobs.SuspendActiveJobs(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "suspend active jobs failed", slog.Any("err", errs.Loggable(err)))
		} else if suspended > 0 {
			logging.Info(shutdownCtx, "suspended active jobs", slog.Int64("count", suspended))
		}
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
