package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"coursebuild/internal/api"
	"coursebuild/internal/logging"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	server *http.Server
}

func newAPIServer(d *Daemon) *apiServer {
	bind := strings.TrimSpace(d.cfg.API.Bind)
	if bind == "" {
		return nil
	}
	var opts []api.HandlerOption
	if d.metrics != nil {
		opts = append(opts, api.WithMetrics(d.metrics.Recorder, d.metrics.Handler()))
	}
	handler := api.NewHandler(d.registry, d.bus, d.logger, opts...)
	return &apiServer{
		bind:   bind,
		logger: d.logger,
		server: &http.Server{
			Handler:           authMiddleware(d.cfg.API.Token, handler),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// Websocket streams are long-lived; the handler sets per-write deadlines.
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// run serves until ctx is done, then shuts down gracefully.
func (s *apiServer) run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_listening"),
		logging.String("address", listener.Addr().String()),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api server shutdown incomplete",
			logging.Error(err),
			logging.String(logging.FieldEventType, "api_shutdown_failed"),
			logging.String(logging.FieldImpact, "open event streams were closed abruptly"),
			logging.String(logging.FieldErrorHint, "none required; clients reconnect on restart"),
		)
		_ = s.server.Close()
	}
	return nil
}

// ServeAPI runs the HTTP API until ctx is done. It returns immediately when
// no bind address is configured.
func (d *Daemon) ServeAPI(ctx context.Context) error {
	srv := newAPIServer(d)
	if srv == nil {
		d.logger.Info("api server disabled", logging.String(logging.FieldEventType, "api_disabled"))
		return nil
	}
	return srv.run(ctx)
}
