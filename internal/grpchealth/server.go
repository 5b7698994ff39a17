// Package grpchealth exposes the standard gRPC health protocol for the
// admission service so orchestrators can probe model readiness.
package grpchealth

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceAdmission is serving once the classifier is loaded.
	ServiceAdmission = "leaf.admission"
	// ServiceEmbedding is serving only while the novelty gate is active.
	ServiceEmbedding = "leaf.embedding"
)

// Readiness is the state published to probes.
type Readiness struct {
	ModelLoaded      bool
	EmbeddingEnabled bool
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpc_health")
	s := &Server{
		health: health.NewServer(),
		logger: logger,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Publish(Readiness{})
	return s
}

// Publish updates the overall status and both named services.
func (s *Server) Publish(r Readiness) {
	admission := servingStatus(r.ModelLoaded)
	s.health.SetServingStatus("", admission)
	s.health.SetServingStatus(ServiceAdmission, admission)
	s.health.SetServingStatus(ServiceEmbedding, servingStatus(r.ModelLoaded && r.EmbeddingEnabled))
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight calls until ctx
// expires, then forces the server down.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func (s *Server) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("grpc call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("grpc call", fields...)
	}
	return resp, err
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
