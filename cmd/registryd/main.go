// Command registryd runs the fleet coordinator: the registry, the heartbeat
// sweeper, the slot dispatcher, the ops API, and an interactive console.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fulcrum-net/fulcrum/internal/api"
	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/config"
	"github.com/fulcrum-net/fulcrum/internal/dispatch"
	"github.com/fulcrum-net/fulcrum/internal/inspector"
	"github.com/fulcrum-net/fulcrum/internal/monitoring"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registry"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "registryd.yaml", "path to YAML config")
	noConsole := flag.Bool("no-console", false, "disable the stdin console")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Registryd] Config load failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := storage.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("[Registryd] Redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		return 1
	}
	defer adapter.Close()

	codec := protocol.NewCodec()
	protocol.RegisterAll(codec)
	metrics := monitoring.Default()

	b := bus.New(codec, adapter, cfg.Node.ID, metrics)
	if err := b.Start(ctx); err != nil {
		slog.Error("[Registryd] Bus start failed", "error", err)
		return 1
	}
	defer b.Close()

	store := registry.NewStore(adapter, cfg.Registry.SnapshotTTL)

	regSvc := registry.NewService(store, codec, b)
	if err := regSvc.Bind(); err != nil {
		slog.Error("[Registryd] Registry service bind failed", "error", err)
		return 1
	}
	defer regSvc.Unbind()

	cache := dispatch.NewFamilyCache()
	if records, err := store.LoadServers(ctx); err == nil {
		// Warm the cache from persisted records so a coordinator restart does
		// not wait for the next advertisement cycle.
		cache.SyncFromRegistry(records)
	} else {
		slog.Warn("[Registryd] Family cache warm-up failed", "error", err)
	}

	dispatcher := dispatch.NewDispatcher(cache, store, metrics, cfg.Dispatch.Cooldown)
	dispSvc := dispatch.NewService(dispatcher, cache, codec, b)
	if err := dispSvc.Bind(); err != nil {
		slog.Error("[Registryd] Dispatch service bind failed", "error", err)
		return 1
	}
	defer dispSvc.Unbind()

	sweeper := registry.NewSweeper(store, b, metrics, registry.SweeperConfig{
		Period:             cfg.Registry.HeartbeatInterval,
		UnavailableTimeout: cfg.Registry.UnavailableTimeout,
		DeadTimeout:        cfg.Registry.DeadTimeout,
	})
	go sweeper.Run(ctx)
	defer sweeper.Stop()

	insp := inspector.New(store)
	apiServer := api.NewServer(cfg.API.Listen, insp, codec, b, nil)
	if err := apiServer.AttachEventStream(
		protocol.TypeServerRegistered,
		protocol.TypeServerDeregistered,
		protocol.TypeProxyDead,
		protocol.TypeFamilyAdvertise,
		protocol.TypeBroadcast,
	); err != nil {
		slog.Warn("[Registryd] Event stream attach failed", "error", err)
	}
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiServer.Start() }()
	defer apiServer.Stop(context.Background())

	slog.Info("[Registryd] Coordinator up", "id", cfg.Node.ID, "api", cfg.API.Listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	consoleDone := make(chan int, 1)
	if !*noConsole {
		console := newConsole(insp, b, cancel)
		go console.run(ctx, consoleDone)
	}

	select {
	case sig := <-sigCh:
		slog.Info("[Registryd] Signal received, shutting down", "signal", sig.String())
		return 0
	case code := <-consoleDone:
		return code
	case err := <-apiErr:
		if err != nil {
			slog.Error("[Registryd] API server failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		return 0
	}
}
