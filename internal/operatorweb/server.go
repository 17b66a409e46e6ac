// Package operatorweb serves the operator side of the handoff protocol over
// HTTP so operators can work from a browser or a script.
package operatorweb

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/operator"
)

// StartOpts holds configuration for the operator web server.
type StartOpts struct {
	Dispatcher   *operator.Dispatcher
	Port         int
	PollInterval time.Duration // how often bus traffic is drained
	Logger       *slog.Logger
	Out          io.Writer
}

// NewRouter returns the gin engine with every operator route registered.
// Event streams poll their session every pollInterval.
func NewRouter(d *operator.Dispatcher, pollInterval time.Duration) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, d, pollInterval)
	return router
}

// Start launches the HTTP server and the bus update loop. It blocks until
// ctx is cancelled or the bus fails, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Dispatcher == nil {
		return fmt.Errorf("operatorweb: dispatcher is required")
	}
	if opts.Port <= 0 {
		opts.Port = config.DefaultOperatorWebPort
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	logger := logging.Component(opts.Logger, "operatorweb")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: NewRouter(opts.Dispatcher, opts.PollInterval),
	}

	updateErr := make(chan error, 1)
	go func() {
		updateErr <- pump(ctx, opts.Dispatcher, opts.PollInterval)
		cancel()
	}()

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Operator web running at http://localhost:%d\n", opts.Port)
	}
	logger.Info("listening", "port", opts.Port)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("operatorweb: %w", err)
	}
	cancel()
	if err := <-updateErr; err != nil {
		return fmt.Errorf("operatorweb: %w", err)
	}
	return nil
}

// pump calls Update every interval until ctx is done or Update fails.
func pump(ctx context.Context, d *operator.Dispatcher, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.Update(ctx); err != nil {
				return err
			}
		}
	}
}
