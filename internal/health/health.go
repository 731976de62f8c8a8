// Package health reports scanner liveness and readiness over gRPC and HTTP.
package health

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"scanbox/internal/pipeline"
)

// Service is the gRPC health service name for the detection pipeline
const Service = "scanbox.pipeline"

// Reporter tracks the pipeline state and publishes it to the gRPC health
// server. The overall ("") status stays SERVING while the process runs;
// Service is SERVING only while the pipeline is active.
type Reporter struct {
	hs     *health.Server
	state  atomic.Int32
	ready  atomic.Bool
	logger *zap.Logger
	unsub  func()
}

// NewReporter creates a reporter in the not-ready state
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reporter{
		hs:     health.NewServer(),
		logger: logger.Named("health"),
	}
	r.state.Store(int32(pipeline.StateStopped))
	r.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	r.hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Attach follows lifecycle events on bus, starting from initial
func (r *Reporter) Attach(bus *pipeline.EventBus, initial pipeline.LifecycleState) {
	r.Set(initial)
	r.unsub = bus.OnLifecycle(func(ev pipeline.LifecycleEvent) { r.Set(ev.State) })
}

// Set records the pipeline state
func (r *Reporter) Set(state pipeline.LifecycleState) {
	r.state.Store(int32(state))
	r.ready.Store(state == pipeline.StateActive)

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == pipeline.StateActive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.hs.SetServingStatus(Service, status)
	r.logger.Debug("Pipeline health", zap.Stringer("state", state), zap.Stringer("status", status))
}

// State returns the last recorded pipeline state
func (r *Reporter) State() pipeline.LifecycleState {
	return pipeline.LifecycleState(r.state.Load())
}

// Shutdown marks every service NOT_SERVING and stops following events
func (r *Reporter) Shutdown() {
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	r.hs.Shutdown()
}

// Register adds the health service to s
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.hs)
}

// Healthz answers liveness probes
func (r *Reporter) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok", r.State())
}

// Readyz answers readiness probes; a paused or stopped pipeline is not ready
func (r *Reporter) Readyz(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready", r.State())
		return
	}
	writeStatus(w, http.StatusOK, "ready", r.State())
}

func writeStatus(w http.ResponseWriter, code int, status string, state pipeline.LifecycleState) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "pipeline": state})
}

// Server is the gRPC listener carrying the health service
type Server struct {
	grpc   *grpc.Server
	logger *zap.Logger
}

// NewServer creates a gRPC server with the reporter registered
func NewServer(r *Reporter) *Server {
	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	r.Register(s)
	reflection.Register(s)
	return &Server{grpc: s, logger: r.logger}
}

// Serve blocks serving lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop drains in-flight RPCs
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
