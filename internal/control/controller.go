// Package control implements the node-side command surface: a backend or
// proxy subscribes here to honor shutdown, restart, and chat broadcast
// commands issued by operators through the registry.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registration"
)

// DefaultRegistryID is the bus identity the coordinator binds unless
// configured otherwise.
const DefaultRegistryID = "registry"

// Messenger is the slice of the bus the controller needs.
type Messenger interface {
	Subscribe(msgType string, handler bus.Handler) (func(), error)
	Respond(to *protocol.Envelope, msgType string, payload any) error
	Request(ctx context.Context, targetID, msgType string, payload any, timeout time.Duration) (*protocol.Envelope, error)
	CurrentServerID() string
}

// Hooks are the local actions a node exposes to the controller. Every hook
// is optional; nil hooks are skipped.
type Hooks struct {
	// SetStatus changes the status the node reports in its heartbeats.
	SetStatus func(status core.Status)
	// Chat delivers an operator message to the node's chat subsystem.
	Chat func(message string)
	// Exit terminates the process once draining completes. Restart is true
	// when the node should come back up and reclaim its identity.
	Exit func(restart bool)
}

// Controller binds shutdown, restart, and broadcast commands to local node
// actions and drives the drain sequence.
type Controller struct {
	machine    *registration.Machine
	codec      *protocol.Codec
	messenger  Messenger
	hooks      Hooks
	registryID string

	mu       sync.Mutex
	draining bool
	unsubs   []func()

	// sleep is swapped out in tests to skip real countdown waits.
	sleep func(d time.Duration)
}

// NewController wires a controller; call Bind to subscribe.
func NewController(machine *registration.Machine, codec *protocol.Codec, messenger Messenger, registryID string, hooks Hooks) *Controller {
	if registryID == "" {
		registryID = DefaultRegistryID
	}
	return &Controller{
		machine:    machine,
		codec:      codec,
		messenger:  messenger,
		hooks:      hooks,
		registryID: registryID,
		sleep:      time.Sleep,
	}
}

// Bind subscribes the controller's message types.
func (c *Controller) Bind() error {
	for msgType, handler := range map[string]bus.Handler{
		protocol.TypeServerShutdown: c.onShutdown,
		protocol.TypeServerRestart:  c.onRestart,
		protocol.TypeBroadcast:      c.onBroadcast,
	} {
		unsub, err := c.messenger.Subscribe(msgType, handler)
		if err != nil {
			return err
		}
		c.unsubs = append(c.unsubs, unsub)
	}
	return nil
}

// Unbind removes the controller's subscriptions.
func (c *Controller) Unbind() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Controller) onShutdown(env *protocol.Envelope) {
	payload, err := c.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Control] Undecodable shutdown command", "error", err)
		return
	}
	cmd, ok := payload.(*protocol.ShutdownCommand)
	if !ok || !c.addressedToSelf(cmd.Target) {
		return
	}
	c.ack(env)
	go c.drain(false, cmd.DelaySeconds, cmd.Reason)
}

func (c *Controller) onRestart(env *protocol.Envelope) {
	payload, err := c.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Control] Undecodable restart command", "error", err)
		return
	}
	cmd, ok := payload.(*protocol.RestartCommand)
	if !ok || !c.addressedToSelf(cmd.Target) {
		return
	}
	c.ack(env)
	go c.drain(true, cmd.DelaySeconds, cmd.Reason)
}

func (c *Controller) onBroadcast(env *protocol.Envelope) {
	payload, err := c.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Control] Undecodable broadcast", "error", err)
		return
	}
	msg, ok := payload.(*protocol.ChatBroadcast)
	if !ok || !c.addressedToSelf(msg.Target) {
		return
	}
	if c.hooks.Chat != nil {
		c.hooks.Chat(msg.Message)
	}
}

// addressedToSelf treats an empty target as fleet-wide.
func (c *Controller) addressedToSelf(target string) bool {
	return target == "" || target == c.messenger.CurrentServerID()
}

func (c *Controller) ack(env *protocol.Envelope) {
	if env.CorrelationID == "" {
		return
	}
	if err := c.messenger.Respond(env, protocol.TypeCommandAck, &protocol.CommandAck{OK: true}); err != nil {
		slog.Warn("[Control] Command ack publish failed", "error", err)
	}
}

// drain runs the evacuation sequence: flip to EVACUATING so the dispatcher
// stops assigning here, count down with player warnings, then deregister and
// exit. A second command while draining is ignored.
func (c *Controller) drain(restart bool, delaySeconds int, reason string) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		slog.Info("[Control] Already draining, command ignored")
		return
	}
	c.draining = true
	c.mu.Unlock()

	verb := "shutting down"
	if restart {
		verb = "restarting"
	}
	slog.Info("[Control] Drain started", "restart", restart, "delay", delaySeconds, "reason", reason)

	if c.hooks.SetStatus != nil {
		c.hooks.SetStatus(core.StatusEvacuating)
	}

	for remaining := delaySeconds; remaining > 0; remaining-- {
		if c.hooks.Chat != nil {
			c.hooks.Chat(fmt.Sprintf("Server %s in %d seconds", verb, remaining))
		}
		c.sleep(time.Second)
	}

	if restart {
		// A restarting node keeps its registry record so it can reclaim the
		// same id when it comes back with the same instance uuid. It only
		// detaches locally; the sweeper reaps the record if it never returns.
		c.detach(reason)
	} else {
		c.deregister(reason)
	}

	c.mu.Lock()
	c.draining = false
	c.mu.Unlock()

	if c.hooks.Exit != nil {
		c.hooks.Exit(restart)
	}
}

// detach walks the machine down without telling the registry.
func (c *Controller) detach(reason string) {
	if c.machine.TransitionTo(registration.Deregistering, reason) {
		c.machine.TransitionTo(registration.Unregistered, "restart detach complete")
	}
}

// deregister walks the machine through DEREGISTERING and tells the registry
// to drop this identity. A lost ack does not block the exit; the sweeper
// reaps the identity after the heartbeats stop.
func (c *Controller) deregister(reason string) {
	id := c.messenger.CurrentServerID()
	if !c.machine.TransitionTo(registration.Deregistering, reason) {
		slog.Warn("[Control] Not registered, skipping deregistration", "state", c.machine.State().String())
		return
	}

	req := &protocol.DeregisterRequest{ServerID: id, Reason: reason}
	resp, err := c.messenger.Request(context.Background(), c.registryID, protocol.TypeServerDeregister, req, 0)
	if err != nil {
		slog.Warn("[Control] Deregistration unacknowledged", "id", id, "error", err)
	} else if ack, ok := mustAck(c.codec, resp); ok && !ack.OK {
		slog.Warn("[Control] Deregistration refused", "id", id, "message", ack.Message)
	}

	c.machine.TransitionTo(registration.Unregistered, "deregistration complete")
}

func mustAck(codec *protocol.Codec, env *protocol.Envelope) (*protocol.CommandAck, bool) {
	payload, err := codec.DecodePayload(env)
	if err != nil {
		return nil, false
	}
	ack, ok := payload.(*protocol.CommandAck)
	return ack, ok
}
