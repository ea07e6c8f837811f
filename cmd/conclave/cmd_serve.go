package main

import (
	"os"
	"os/signal"
	"syscall"

	"conclave/internal/config"
	"conclave/internal/logging"
	"conclave/internal/pipeline"
	"conclave/internal/server"

	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serveWatch bool
)

// serveCmd runs the HTTP/WebSocket server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve runs over HTTP with WebSocket event streams",
	Long: `Starts the HTTP server:

  POST   /v1/runs                 start a run
  GET    /v1/runs                 list recorded runs
  GET    /v1/runs/{id}            run snapshot
  DELETE /v1/runs/{id}            cancel a run
  POST   /v1/runs/{id}/resume     resume a staged run
  GET    /v1/runs/{id}/events     WebSocket event stream (?replay=1)
  GET    /v1/usage                token usage totals

With --watch, edits to the config file update the stage policy of new runs
without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the pipeline policy when the config file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := server.Options{
		Addr:            cfg.Server.Addr,
		MaxConns:        cfg.Server.MaxConns,
		ShutdownTimeout: cfg.Timeouts().ShutdownTimeout,
		Controller:      a.ctrl,
	}
	if serveAddr != "" {
		opts.Addr = serveAddr
	}
	if a.store != nil {
		opts.History = a.store
	}
	if a.usage != nil {
		opts.Usage = a.usage
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	if serveWatch {
		w, err := config.Watch(ctx, configPath, func(next *config.Config) {
			if offline {
				next.Offline()
			}
			reloadPolicy(a.ctrl, next)
		})
		if err != nil {
			logging.Get(logging.CategoryConfig).Warn("config hot reload disabled: %v", err)
		} else {
			defer w.Stop()
		}
	}

	return srv.ListenAndServe(ctx)
}

// reloadPolicy swaps the controller policy. Runs in flight keep theirs.
func reloadPolicy(ctrl *pipeline.Controller, next *config.Config) {
	if err := next.Validate(); err != nil {
		logging.Get(logging.CategoryConfig).Warn("ignoring invalid config: %v", err)
		return
	}
	p, err := pipeline.PolicyFromConfig(next)
	if err != nil {
		logging.Get(logging.CategoryConfig).Warn("ignoring config with invalid policy: %v", err)
		return
	}
	if err := ctrl.SetPolicy(p); err != nil {
		logging.Get(logging.CategoryConfig).Warn("policy rejected: %v", err)
		return
	}
	if err := logging.SetLevel(next.Logging.Level); err != nil {
		logging.Get(logging.CategoryConfig).Warn("ignoring log level %q: %v", next.Logging.Level, err)
	}
}
