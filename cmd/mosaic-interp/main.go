package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"mosaic/internal/config"
	"mosaic/internal/inference/remote"
	"mosaic/internal/inference/sim"
	"mosaic/internal/logging"
)

func main() {
	var (
		addrF     = flag.String("addr", ":50061", "Listen address")
		latencyF  = flag.Duration("latency", 0, "Simulated latency added to every invoke")
		logLevelF = flag.String("log-level", "info", "Log level")
		logJSONF  = flag.Bool("log-json", false, "Log as JSON")
	)
	flag.Parse()

	format := "text"
	if *logJSONF {
		format = "json"
	}
	logger, err := logging.New(config.LogConfig{Level: *logLevelF, Format: format}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mosaic-interp: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component(logger, "interp")

	backend := sim.NewLoader()
	backend.Latency = *latencyF
	srv := remote.NewServer(backend, logging.Component(logger, "interp-server"))

	lis, err := net.Listen("tcp", *addrF)
	if err != nil {
		log.Fatalf("listen %s: %v", *addrF, err)
	}

	gs := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}))
	srv.Register(gs)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(remote.ServiceName, healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		hs.Shutdown()
		gs.GracefulStop()
	}()

	log.Infof("interpreter runtime listening on %q", *addrF)
	if err := gs.Serve(lis); err != nil {
		log.Fatalf("serve: %v", err)
	}
	srv.Shutdown()
	log.Info("exited")
}
