// Package server exposes the pipeline controller over HTTP, with run events
// streamed as WebSocket frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"conclave/internal/logging"
	"conclave/internal/pipeline"
	"conclave/internal/usage"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"
)

// RunHistory serves runs that are no longer held by the controller.
type RunHistory interface {
	GetRun(ctx context.Context, id string) (pipeline.Run, error)
	ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error)
}

// UsageReporter exposes aggregated token usage.
type UsageReporter interface {
	Stats() usage.AggregatedStats
}

// Options configures a Server.
type Options struct {
	Addr            string
	MaxConns        int // 0 = unlimited
	ShutdownTimeout time.Duration

	Controller *pipeline.Controller // required
	History    RunHistory           // optional
	Usage      UsageReporter        // optional
}

// Server is the HTTP/WebSocket front of a Controller.
type Server struct {
	opts       Options
	handlers   *Handlers
	httpServer *http.Server

	// streams tracks hijacked WebSocket connections, which Shutdown does
	// not wait for.
	streams  sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown sync.Once
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{opts: opts, ctx: ctx, cancel: cancel}
	s.handlers = &Handlers{
		ctrl:    opts.Controller,
		history: opts.History,
		usage:   opts.Usage,
		server:  s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handlers.HandleStartRun)
	mux.HandleFunc("GET /v1/runs", s.handlers.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handlers.HandleGetRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handlers.HandleCancelRun)
	mux.HandleFunc("POST /v1/runs/{id}/resume", s.handlers.HandleResumeRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handlers.HandleEvents)
	mux.HandleFunc("GET /v1/usage", s.handlers.HandleUsage)
	mux.HandleFunc("GET /healthz", s.handlers.HandleHealth)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe listens on Options.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts on l, bounded to MaxConns concurrent connections, until ctx
// is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.opts.MaxConns > 0 {
		l = netutil.LimitListener(l, s.opts.MaxConns)
	}
	logging.Server("Listening on %s (max_conns=%d)", l.Addr(), s.opts.MaxConns)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting requests, closes event streams and waits for
// in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		logging.Server("Shutting down")
		s.cancel()
		err = s.httpServer.Shutdown(ctx)

		done := make(chan struct{})
		go func() {
			s.streams.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	})
	return err
}
