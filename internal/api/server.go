// Package api exposes the backtest engine over a JSON HTTP surface, a gRPC
// service and the push WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string

	http *http.Server
	grpc *grpc.Server
	log  *slog.Logger
}

// NewServer creates a Server serving e on httpAddr and grpcAddr. push serves
// the WebSocket endpoint and may be nil.
func NewServer(e Engine, push http.Handler, httpAddr, grpcAddr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer()
	NewGRPCService(e, log).RegisterGRPC(gs)

	return &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		http: &http.Server{
			Addr:              httpAddr,
			Handler:           NewHTTPServer(e, push, log).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpc: gs,
		log:  log.With("component", "api"),
	}
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a listener fails. Both servers are shut down
// before it returns.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("HTTP server starting", "addr", s.httpAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("gRPC server starting", "addr", s.grpcAddr)
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops both servers, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	err := s.http.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	return err
}
