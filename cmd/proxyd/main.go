// Command proxyd runs an edge proxy node: it registers with the fleet,
// heartbeats, and forwards player slot requests to the dispatcher. A small
// stdin console stands in for the player-facing edge.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

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
// proxy can reclaim its previous id.
const instanceFile = ".fulcrum-proxy-instance"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "proxyd.yaml", "path to YAML config")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Proxy] Config load failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := storage.NewRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("[Proxy] Redis connection failed", "addr", cfg.Redis.Addr, "error", err)
		return 1
	}
	defer adapter.Close()

	codec := protocol.NewCodec()
	protocol.RegisterAll(codec)
	metrics := monitoring.Default()

	instanceUUID, err := loadInstanceUUID(instanceFile)
	if err != nil {
		slog.Error("[Proxy] Instance uuid unavailable", "error", err)
		return 1
	}

	tempID := "temp-" + uuid.NewString()
	b := bus.New(codec, adapter, tempID, metrics)
	if err := b.Start(ctx); err != nil {
		slog.Error("[Proxy] Bus start failed", "error", err)
		return 1
	}
	defer b.Close()

	machine := registration.NewMachine(tempID)
	machine.SetWatchdogTimeout(cfg.Registry.WatchdogTimeout)

	p := &proxy{cfg: cfg, codec: codec, bus: b, machine: machine, instanceUUID: instanceUUID, start: time.Now()}

	controller := control.NewController(machine, codec, b, control.DefaultRegistryID, control.Hooks{
		Chat: func(message string) {
			fmt.Printf("[chat] %s\n", message)
		},
		Exit: func(bool) { cancel() },
	})
	if err := controller.Bind(); err != nil {
		slog.Error("[Proxy] Controller bind failed", "error", err)
		return 1
	}
	defer controller.Unbind()

	if err := p.register(ctx); err != nil {
		slog.Error("[Proxy] Registration abandoned", "error", err)
		return 1
	}
	go p.heartbeatLoop(ctx)

	slog.Info("[Proxy] Node up", "id", p.id)
	go p.console(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("[Proxy] Signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}
	return 0
}

type proxy struct {
	cfg          *config.Config
	codec        *protocol.Codec
	bus          *bus.Bus
	machine      *registration.Machine
	instanceUUID string
	id           string
	start        time.Time
}

func (p *proxy) register(ctx context.Context) error {
	backoff := time.Second
	for {
		err := p.registerOnce(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("[Proxy] Registration attempt failed", "error", err, "retryIn", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *proxy) registerOnce(ctx context.Context) error {
	if !p.machine.TransitionTo(registration.Registering, "joining fleet") {
		return fmt.Errorf("cannot register from state %s", p.machine.State())
	}

	req := &protocol.RegisterRequest{
		TempID:       p.bus.CurrentServerID(),
		InstanceUUID: p.instanceUUID,
		Address:      p.cfg.Node.Address,
		Port:         p.cfg.Node.Port,
		Kind:         string(core.KindProxy),
		Version:      p.cfg.Node.Version,
		MaxCapacity:  p.cfg.Node.MaxCapacity,
	}
	resp, err := p.bus.Request(ctx, control.DefaultRegistryID, protocol.TypeProxyRegister, req, p.cfg.Bus.RequestTimeout)
	if err != nil {
		p.machine.TransitionTo(registration.Failed, "registration request failed", err)
		return err
	}

	payload, err := p.codec.DecodePayload(resp)
	if err != nil {
		p.machine.TransitionTo(registration.Failed, "undecodable registration response", err)
		return err
	}
	result, ok := payload.(*protocol.RegistrationResult)
	if !ok {
		err := fmt.Errorf("registration refused")
		p.machine.TransitionTo(registration.Failed, "registration refused", err)
		return err
	}

	p.machine.SetIdentity(result.ID)
	if err := p.bus.RefreshServerIdentity(result.ID); err != nil {
		slog.Warn("[Proxy] Identity channel refresh failed", "error", err)
	}
	p.id = result.ID
	p.machine.TransitionTo(registration.Registered, "registry accepted")
	slog.Info("[Proxy] Registered", "id", result.ID, "reclaimed", result.Reclaimed)
	return nil
}

func (p *proxy) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Registry.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.machine.IsActive() {
				continue
			}
			hb := &protocol.Heartbeat{
				ServerID:    p.id,
				ServerType:  string(core.KindProxy),
				MaxCapacity: p.cfg.Node.MaxCapacity,
				Uptime:      int64(time.Since(p.start).Seconds()),
				Status:      string(core.StatusAvailable),
				Timestamp:   time.Now().UnixMilli(),
			}
			if err := p.bus.Broadcast(protocol.TypeProxyHeartbeat, hb); err != nil {
				slog.Warn("[Proxy] Heartbeat publish failed", "error", err)
			}
		}
	}
}

// loadInstanceUUID reads the persisted instance uuid, minting and saving one
// on first launch. FULCRUM_INSTANCE_UUID overrides for containerized runs.
func loadInstanceUUID(path string) (string, error) {
	if v := os.Getenv("FULCRUM_INSTANCE_UUID"); v != "" {
		return v, nil
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance uuid: %w", err)
	}
	return id, nil
}

// console reads "join <player> <family> [variant]" lines and runs the slot
// request round-trip against the dispatcher.
func (p *proxy) console(ctx context.Context, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("proxy console ready. Usage: join <player> <family> [variant] | quit")

	for scanner.Scan() {
		fields := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit", "stop":
			cancel()
			return
		case "join":
			if len(fields) < 3 {
				fmt.Println("Usage: join <player> <family> [variant]")
				continue
			}
			variant := ""
			if len(fields) > 3 {
				variant = fields[3]
			}
			p.requestSlot(ctx, fields[1], fields[2], variant)
		default:
			fmt.Printf("Unknown command %q\n", fields[0])
		}
	}
}

func (p *proxy) requestSlot(ctx context.Context, player, family, variant string) {
	req := &protocol.SlotRequest{
		RequestID: uuid.NewString(),
		PlayerID:  player,
		FamilyID:  family,
		VariantID: variant,
	}
	resp, err := p.bus.Request(ctx, control.DefaultRegistryID, protocol.TypeSlotRequest, req, p.cfg.Bus.RequestTimeout)
	if err != nil {
		fmt.Printf("slot request failed: %v\n", err)
		return
	}

	payload, err := p.codec.DecodePayload(resp)
	if err != nil {
		fmt.Printf("undecodable slot response: %v\n", err)
		return
	}
	switch v := payload.(type) {
	case *protocol.SlotAssignment:
		fmt.Printf("assigned %s on %s\n", v.SlotID, v.ServerID)
	case *protocol.SlotRejection:
		fmt.Printf("rejected (%s): %s\n", v.Reason, v.Message)
	default:
		fmt.Println("unexpected slot response payload")
	}
}
