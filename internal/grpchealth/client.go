package grpchealth

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/leafcheck/internal/logging"
)

// Dial returns a health client for the admission service at addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (healthpb.HealthClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpchealth.dial", "", err)
		logger.Error("failed to dial admission service", append(logging.ErrorFields(wrapped), zap.String("addr", addr))...)
		return nil, nil, wrapped
	}
	return healthpb.NewHealthClient(conn), conn, nil
}

// Check reports the serving status of service ("" for the whole server).
func Check(ctx context.Context, client healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, logging.NewOperationError("grpchealth.check", service, err)
	}
	return resp.GetStatus(), nil
}
