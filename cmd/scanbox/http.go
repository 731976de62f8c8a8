package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	goahttp "goa.design/goa/v3/http"

	"scanbox/internal/health"
	"scanbox/internal/middleware"
	"scanbox/internal/stream"
	"scanbox/internal/ws"
)

// routes mounts every endpoint on a goa muxer. Probes and metrics stay open;
// everything else goes through the auth middleware.
func (a *app) routes() goahttp.Muxer {
	mux := goahttp.NewMuxer()
	protect := middleware.AuthMiddleware(a.auth)
	guard := func(h http.Handler) http.HandlerFunc {
		return protect(h).ServeHTTP
	}

	mux.Handle(http.MethodGet, "/healthz", a.health.Healthz)
	mux.Handle(http.MethodGet, "/readyz", a.health.Readyz)
	mux.Handle(http.MethodGet, "/metrics", a.metrics.Handler().ServeHTTP)

	mux.Handle(http.MethodPost, "/api/auth/login", a.handleLogin)
	mux.Handle(http.MethodGet, "/api/status", guard(http.HandlerFunc(a.handleStatus)))
	mux.Handle(http.MethodPost, "/api/scanner/{action}", guard(http.HandlerFunc(a.handleControl)))
	mux.Handle(http.MethodGet, "/api/scans", guard(http.HandlerFunc(a.handleListScans)))
	mux.Handle(http.MethodGet, "/api/scans/{id}", guard(http.HandlerFunc(a.handleGetScan)))

	mux.Handle(http.MethodGet, "/preview/stream", guard(a.preview))
	mux.Handle(http.MethodGet, "/preview/snapshot", guard(stream.NewSnapshotHandler(a.preview)))

	// cross-origin pages may connect only when a token is required
	var wsOpts []ws.HandlerOption
	if a.auth.IsEnabled() {
		wsOpts = append(wsOpts, ws.WithAnyOrigin())
	}
	mux.Handle(http.MethodGet, "/ws/scans", guard(ws.NewHandler(a.hub, ws.TopicScans, func() any {
		return a.scanner.Status()
	}, wsOpts...)))
	mux.Handle(http.MethodGet, "/ws/overlay", guard(ws.NewHandler(a.hub, ws.TopicOverlay, func() any {
		return a.overlaySurface.Message()
	}, wsOpts...)))
	return mux
}

// handler wraps the muxer with request logging
func (a *app) handler() http.Handler {
	return middleware.Logger(a.logger)(a.mux)
}

// runHTTPServer serves the API on addr until ctx is done, then shuts down
// gracefully
func runHTTPServer(ctx context.Context, addr string, h http.Handler, logger *zap.Logger, wg *sync.WaitGroup, errc chan<- error) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("Shutting down HTTP server", zap.String("addr", addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown failed", zap.Error(err))
		}
	}()
}

// runGRPCServer serves the health service on addr until ctx is done
func runGRPCServer(ctx context.Context, addr string, r *health.Reporter, logger *zap.Logger, wg *sync.WaitGroup, errc chan<- error) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := health.NewServer(r)

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			if err := srv.Serve(lis); err != nil {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Info("Shutting down gRPC server", zap.String("addr", addr))
		srv.Stop()
	}()
	return nil
}
