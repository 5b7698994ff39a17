package grpchealth

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(zap.NewNop())
	go func() {
		_ = srv.Serve(lis)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, conn, err := Dial(ctx, "bufnet", zap.NewNop(), grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		srv.Stop(stopCtx)
	})
	return srv, client
}

func expectStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	got, err := Check(context.Background(), client, service)
	if err != nil {
		t.Fatalf("check %q failed: %v", service, err)
	}
	if got != want {
		t.Fatalf("expected %q to be %s, got %s", service, want, got)
	}
}

func TestNotServingUntilPublished(t *testing.T) {
	_, client := startServer(t)

	expectStatus(t, client, "", healthpb.HealthCheckResponse_NOT_SERVING)
	expectStatus(t, client, ServiceAdmission, healthpb.HealthCheckResponse_NOT_SERVING)
}

func TestPublishReadiness(t *testing.T) {
	srv, client := startServer(t)

	srv.Publish(Readiness{ModelLoaded: true, EmbeddingEnabled: false})
	expectStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)
	expectStatus(t, client, ServiceAdmission, healthpb.HealthCheckResponse_SERVING)
	expectStatus(t, client, ServiceEmbedding, healthpb.HealthCheckResponse_NOT_SERVING)

	srv.Publish(Readiness{ModelLoaded: true, EmbeddingEnabled: true})
	expectStatus(t, client, ServiceEmbedding, healthpb.HealthCheckResponse_SERVING)
}

func TestCheckUnknownService(t *testing.T) {
	_, client := startServer(t)

	if _, err := Check(context.Background(), client, "leaf.unknown"); err == nil {
		t.Fatal("expected error for unregistered service")
	}
}
