package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mosaic/internal/accel"
	"mosaic/internal/auth"
	"mosaic/internal/config"
	"mosaic/internal/database"
	"mosaic/internal/inference"
	"mosaic/internal/inference/remote"
	"mosaic/internal/inference/sim"
	"mosaic/internal/logging"
	"mosaic/internal/media"
	"mosaic/internal/pipeline"
	"mosaic/internal/segment"
	"mosaic/internal/services"
	"mosaic/internal/view"
	"mosaic/internal/ws"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration (built-in defaults when empty)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	cfg, err := loadConfig(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mosaic: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mosaic: log config: %v\n", err)
		os.Exit(1)
	}
	mainLog := logging.Component(logger, "main")

	// Interpreter runtime
	var loader inference.Loader
	switch cfg.Inference.Backend {
	case config.BackendRemote:
		rl, err := remote.NewLoader(cfg.Inference.RemoteEndpoint)
		if err != nil {
			mainLog.Fatalf("remote runtime: %v", err)
		}
		defer rl.Close()
		loader = rl
		mainLog.Infof("using remote interpreter runtime at %s", cfg.Inference.RemoteEndpoint)
	default:
		sl := sim.NewLoader()
		sl.Latency = cfg.Inference.SimLatency
		loader = sl
		mainLog.Info("using simulated interpreter runtime")
	}

	pool := accel.Init(accel.NewSimSDK(cfg.Inference.SimDevices), logging.Component(logger, "pool"))
	factory := &inference.Factory{
		Pool:        pool,
		Loader:      loader,
		NewExecutor: segment.Factory(logging.Component(logger, "segment")),
		Log:         logging.Component(logger, "inference"),
		Fatal:       inference.ExitOnFatal(logging.Component(logger, "inference")),
	}

	layout := view.Layout{
		MaxStreams: cfg.Display.MaxStreams,
		Columns:    cfg.Display.Columns,
		TileWidth:  cfg.Display.TileWidth,
		TileHeight: cfg.Display.TileHeight,
	}
	controller := view.NewController(layout, logging.Component(logger, "view"))
	bus := pipeline.NewEventBus()
	manager := pipeline.NewManager(cfg, factory, controller, bus, nil, logging.Component(logger, "pipeline"))

	// Every device is allocated here, before any source runs
	if err := manager.Assemble(); err != nil {
		mainLog.Fatalf("assemble streams: %v", err)
	}

	db, err := database.New(cfg.Store.Path, logging.Component(logger, "database"))
	if err != nil {
		mainLog.Fatalf("database: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		mainLog.Fatalf("database: %v", err)
	}
	recordStreams(db, manager, mainLog)

	controller.OnChange(func(prev, next view.State) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := db.RecordViewChange(ctx, prev, next); err != nil {
			mainLog.WithError(err).Warn("failed to record view change")
		}
	})

	hub := ws.NewHub(logging.Component(logger, "ws"))
	controller.OnChange(hub.OnViewChange)
	unsubscribe := manager.SubscribeResults(hub)

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		mainLog.Fatalf("auth: %v", err)
	}

	var ready atomic.Bool
	svc := &services.Services{
		Health: services.NewHealthService(ready.Load),
		Auth:   services.NewAuthService(authenticator),
		View:   services.NewViewService(controller, db),
		Stream: services.NewStreamService(manager),
	}
	wsHandler := ws.NewHandler(hub, controller, func(name string) bool {
		return manager.Stream(name) != nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var names []string
	for i, sc := range cfg.Streams {
		s := manager.Streams()[i]
		names = append(names, s.Name())
		src, err := newSource(sc.Source, layout)
		if err != nil {
			mainLog.Fatalf("stream %q: %v", sc.Name, err)
		}
		fps := sc.Source.FPS
		g.Go(func() error {
			return media.Run(ctx, src, s, fps, logging.Component(logger, "media"))
		})
	}

	g.Go(func() error {
		return flushStats(ctx, db, manager, cfg.Store.FlushInterval, mainLog)
	})
	g.Go(func() error {
		return handleGRPCServer(ctx, cfg.GRPC.Addr, names, logging.Component(logger, "grpc"))
	})
	g.Go(func() error {
		return handleHTTPServer(ctx, cfg.HTTP.Addr, svc, wsHandler, authenticator, logger, *dbgF || cfg.HTTP.Debug)
	})

	ready.Store(true)
	mainLog.Infof("mosaic running with %d stream(s)", len(names))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		mainLog.WithError(err).Error("stopped with error")
	}
	ready.Store(false)

	unsubscribe()
	hub.Close()
	if err := manager.Close(); err != nil {
		mainLog.WithError(err).Warn("close streams")
	}
	bus.Close()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.SaveStats(flushCtx, manager.Stats()); err != nil {
		mainLog.WithError(err).Warn("final stats flush")
	}
	cancel()
	db.Close()
	mainLog.Info("exited")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

func newSource(sc config.SourceConfig, layout view.Layout) (media.Source, error) {
	switch sc.Kind {
	case "image":
		return media.NewStill(sc.Path)
	default:
		return media.NewSynthetic(layout.TileWidth, layout.TileHeight), nil
	}
}

func recordStreams(db *database.Database, manager *pipeline.Manager, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range manager.Streams() {
		rec := &database.StreamRecord{
			ID:          s.ID(),
			Name:        s.Name(),
			UnitType:    string(s.Unit().Type()),
			Description: s.Unit().Description(),
			Tiles:       s.Tiles(),
		}
		if err := db.SaveStream(ctx, rec); err != nil {
			log.WithError(err).Warnf("failed to record stream %s", s.Name())
		}
	}
}

func flushStats(ctx context.Context, db *database.Database, manager *pipeline.Manager, every time.Duration, log *logrus.Entry) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := db.SaveStats(ctx, manager.Stats()); err != nil {
				log.WithError(err).Warn("stats flush failed")
			}
		}
	}
}
