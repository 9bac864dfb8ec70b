// Command gamed runs a game backend node: it registers with the fleet,
// heartbeats, advertises its slot families, and honors operator commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/config"
	"github.com/fulcrum-net/fulcrum/internal/control"
	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/monitoring"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registration"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

// instanceFile persists the instance uuid across restarts so a returning
// node can reclaim its previous id.
const instanceFile = ".fulcrum-instance"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "gamed.yaml", "path to YAML config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Game] Config load failed", "error", err)
		return 1
	}

	instanceUUID, err := loadInstanceUUID()
	if err != nil {
		slog.Error("[Game] Instance uuid unavailable", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := storage.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("[Game] Redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		return 1
	}
	defer adapter.Close()

	codec := protocol.NewCodec()
	protocol.RegisterAll(codec)
	metrics := monitoring.Default()

	tempID := "temp-" + uuid.NewString()
	b := bus.New(codec, adapter, tempID, metrics)
	if err := b.Start(ctx); err != nil {
		slog.Error("[Game] Bus start failed", "error", err)
		return 1
	}
	defer b.Close()

	machine := registration.NewMachine(tempID)
	machine.SetWatchdogTimeout(cfg.Registry.WatchdogTimeout)

	a := newAgent(cfg, codec, b, machine, instanceUUID)

	controller := control.NewController(machine, codec, b, control.DefaultRegistryID, control.Hooks{
		SetStatus: a.setStatus,
		Chat: func(message string) {
			slog.Info("[Game] Chat", "message", message)
		},
		Exit: func(restart bool) {
			if restart {
				slog.Info("[Game] Restarting with retained instance uuid")
				go func() {
					if err := a.registerLoop(ctx); err != nil {
						slog.Error("[Game] Restart registration abandoned", "error", err)
						cancel()
					}
				}()
				return
			}
			cancel()
		},
	})
	if err := controller.Bind(); err != nil {
		slog.Error("[Game] Controller bind failed", "error", err)
		return 1
	}
	defer controller.Unbind()

	if err := a.watchDeparture(ctx); err != nil {
		slog.Error("[Game] Departure watch subscribe failed", "error", err)
		return 1
	}

	if err := a.registerLoop(ctx); err != nil {
		slog.Error("[Game] Registration abandoned", "error", err)
		return 1
	}
	go a.heartbeatLoop(ctx)

	slog.Info("[Game] Node up", "id", a.id(), "status", string(core.StatusAvailable))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("[Game] Signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	return 0
}

// loadInstanceUUID reads the persisted instance uuid, minting and saving one
// on first launch. FULCRUM_INSTANCE_UUID overrides for containerized runs.
func loadInstanceUUID() (string, error) {
	if v := os.Getenv("FULCRUM_INSTANCE_UUID"); v != "" {
		return v, nil
	}
	data, err := os.ReadFile(instanceFile)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(instanceFile, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance uuid: %w", err)
	}
	return id, nil
}
