package main

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// handleGRPCServer serves the standard health service with one entry per
// stream. Every entry turns NOT_SERVING once ctx is done.
func handleGRPCServer(ctx context.Context, addr string, streams []string, log *logrus.Entry) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}

	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, name := range streams {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("gRPC health server listening on %q", addr)
		errc <- gs.Serve(lis)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	hs.Shutdown()
	gs.GracefulStop()
	log.Info("gRPC health server stopped")
	return nil
}
