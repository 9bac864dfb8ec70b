package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/config"
	"github.com/fulcrum-net/fulcrum/internal/control"
	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registration"
)

// agent drives one backend node's fleet membership: registration with
// reclaim, the heartbeat cadence, and family advertisement.
type agent struct {
	cfg          *config.Config
	codec        *protocol.Codec
	bus          *bus.Bus
	machine      *registration.Machine
	instanceUUID string
	registryID   string

	mu       sync.Mutex
	serverID string
	status   core.Status

	start time.Time
}

func newAgent(cfg *config.Config, codec *protocol.Codec, b *bus.Bus, machine *registration.Machine, instanceUUID string) *agent {
	return &agent{
		cfg:          cfg,
		codec:        codec,
		bus:          b,
		machine:      machine,
		instanceUUID: instanceUUID,
		registryID:   control.DefaultRegistryID,
		status:       core.StatusAvailable,
		start:        time.Now(),
	}
}

func (a *agent) setStatus(status core.Status) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func (a *agent) currentStatus() core.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *agent) id() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverID
}

// registerLoop retries registration with exponential backoff until it lands
// or ctx is cancelled.
func (a *agent) registerLoop(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.registerOnce(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("[Game] Registration attempt failed", "error", err, "retryIn", backoff)

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

func (a *agent) registerOnce(ctx context.Context) error {
	// A node that lost its registration re-registers; a fresh or failed one
	// registers from scratch.
	target := registration.Registering
	if a.machine.State() == registration.Disconnected {
		target = registration.ReRegistering
	}
	if !a.machine.TransitionTo(target, "joining fleet") {
		return fmt.Errorf("cannot register from state %s", a.machine.State())
	}

	req := &protocol.RegisterRequest{
		TempID:       a.bus.CurrentServerID(),
		InstanceUUID: a.instanceUUID,
		Address:      a.cfg.Node.Address,
		Port:         a.cfg.Node.Port,
		Kind:         string(core.KindGame),
		Role:         a.cfg.Node.Role,
		Version:      a.cfg.Node.Version,
		MaxCapacity:  a.cfg.Node.MaxCapacity,
		Slots:        slotDefinitions(a.cfg.Game.Slots),
	}

	resp, err := a.bus.Request(ctx, a.registryID, protocol.TypeServerRegister, req, a.cfg.Bus.RequestTimeout)
	if err != nil {
		a.machine.TransitionTo(registration.Failed, "registration request failed", err)
		return err
	}

	payload, err := a.codec.DecodePayload(resp)
	if err != nil {
		a.machine.TransitionTo(registration.Failed, "undecodable registration response", err)
		return err
	}
	result, ok := payload.(*protocol.RegistrationResult)
	if !ok {
		err := fmt.Errorf("registration refused: %s", refusalMessage(payload))
		a.machine.TransitionTo(registration.Failed, "registration refused", err)
		return err
	}

	a.machine.SetIdentity(result.ID)
	if err := a.bus.RefreshServerIdentity(result.ID); err != nil {
		slog.Warn("[Game] Identity channel refresh failed", "error", err)
	}
	a.mu.Lock()
	a.serverID = result.ID
	a.status = core.StatusAvailable
	a.mu.Unlock()
	a.machine.TransitionTo(registration.Registered, "registry accepted")

	slog.Info("[Game] Registered", "id", result.ID, "reclaimed", result.Reclaimed)
	a.advertiseFamilies()
	return nil
}

func refusalMessage(payload any) string {
	if ack, ok := payload.(*protocol.CommandAck); ok {
		return ack.Message
	}
	return "unexpected response payload"
}

// advertiseFamilies broadcasts the hosted family descriptors. It runs after
// every successful registration and may be repeated at any time.
func (a *agent) advertiseFamilies() {
	descriptors := familyDescriptors(a.cfg.Game.Families)
	if len(descriptors) == 0 {
		return
	}
	adv := &protocol.FamilyAdvertisement{ServerID: a.id(), Descriptors: descriptors}
	if err := a.bus.Broadcast(protocol.TypeFamilyAdvertise, adv); err != nil {
		slog.Warn("[Game] Family advertisement failed", "error", err)
	}
}

// heartbeatLoop emits one heartbeat per interval while registered.
func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Registry.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.machine.IsActive() {
				continue
			}
			hb := &protocol.Heartbeat{
				ServerID:    a.id(),
				ServerType:  string(core.KindGame),
				TPS:         20.0,
				PlayerCount: 0,
				MaxCapacity: a.cfg.Node.MaxCapacity,
				Uptime:      int64(time.Since(a.start).Seconds()),
				Role:        a.cfg.Node.Role,
				Status:      string(a.currentStatus()),
				Timestamp:   time.Now().UnixMilli(),
			}
			if err := a.bus.Broadcast(protocol.TypeServerHeartbeat, hb); err != nil {
				slog.Warn("[Game] Heartbeat publish failed", "error", err)
			}
		}
	}
}

// watchDeparture re-registers if the sweeper declares this node dead while
// it believes it is registered (missed heartbeats, network partition).
func (a *agent) watchDeparture(ctx context.Context) error {
	_, err := a.bus.Subscribe(protocol.TypeServerDeregistered, func(env *protocol.Envelope) {
		payload, err := a.codec.DecodePayload(env)
		if err != nil {
			return
		}
		gone, ok := payload.(*protocol.IdentityDead)
		if !ok || gone.ID != a.id() {
			return
		}
		if a.machine.TransitionTo(registration.Disconnected, "registry declared this node dead") {
			slog.Warn("[Game] Registration lost, re-registering", "id", gone.ID)
			go func() {
				if err := a.registerLoop(ctx); err != nil {
					slog.Error("[Game] Re-registration abandoned", "error", err)
				}
			}()
		}
	})
	return err
}

func slotDefinitions(slots []config.SlotConfig) []protocol.SlotDefinition {
	defs := make([]protocol.SlotDefinition, 0, len(slots))
	for _, s := range slots {
		defs = append(defs, protocol.SlotDefinition{
			SlotSuffix: s.Suffix,
			MaxPlayers: s.MaxPlayers,
			Metadata:   s.Metadata,
		})
	}
	return defs
}

func familyDescriptors(families []config.FamilyConfig) []core.SlotFamilyDescriptor {
	descriptors := make([]core.SlotFamilyDescriptor, 0, len(families))
	for _, f := range families {
		descriptors = append(descriptors, core.SlotFamilyDescriptor{
			FamilyID:               f.FamilyID,
			VariantID:              f.VariantID,
			MinPlayers:             f.MinPlayers,
			MaxPlayers:             f.MaxPlayers,
			PlayerEquivalentFactor: f.Factor,
		})
	}
	return descriptors
}
