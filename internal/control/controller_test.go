package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registration"
)

// fakeMessenger records everything the controller does on the bus.
type fakeMessenger struct {
	mu        sync.Mutex
	self      string
	codec     *protocol.Codec
	handlers  map[string]bus.Handler
	responses []fakeResponse
	requests  []fakeRequest
}

type fakeResponse struct {
	msgType string
	payload any
}

type fakeRequest struct {
	target  string
	msgType string
	payload any
}

func newFakeMessenger(self string, codec *protocol.Codec) *fakeMessenger {
	return &fakeMessenger{self: self, codec: codec, handlers: make(map[string]bus.Handler)}
}

func (f *fakeMessenger) Subscribe(msgType string, handler bus.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = handler
	return func() {}, nil
}

func (f *fakeMessenger) Respond(to *protocol.Envelope, msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fakeResponse{msgType: msgType, payload: payload})
	return nil
}

func (f *fakeMessenger) Request(ctx context.Context, targetID, msgType string, payload any, timeout time.Duration) (*protocol.Envelope, error) {
	f.mu.Lock()
	f.requests = append(f.requests, fakeRequest{target: targetID, msgType: msgType, payload: payload})
	f.mu.Unlock()
	return f.codec.Encode(targetID, f.self, "corr-1", protocol.TypeCommandAck, &protocol.CommandAck{OK: true})
}

func (f *fakeMessenger) CurrentServerID() string { return f.self }

func (f *fakeMessenger) sentRequests() []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRequest(nil), f.requests...)
}

func (f *fakeMessenger) sentResponses() []fakeResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeResponse(nil), f.responses...)
}

type testNode struct {
	mu       sync.Mutex
	statuses []core.Status
	chats    []string
	exits    []bool
	exited   chan struct{}
}

func newTestNode() *testNode {
	return &testNode{exited: make(chan struct{}, 4)}
}

func (n *testNode) hooks() Hooks {
	return Hooks{
		SetStatus: func(s core.Status) {
			n.mu.Lock()
			n.statuses = append(n.statuses, s)
			n.mu.Unlock()
		},
		Chat: func(msg string) {
			n.mu.Lock()
			n.chats = append(n.chats, msg)
			n.mu.Unlock()
		},
		Exit: func(restart bool) {
			n.mu.Lock()
			n.exits = append(n.exits, restart)
			n.mu.Unlock()
			n.exited <- struct{}{}
		},
	}
}

func (n *testNode) waitExit(t *testing.T) {
	t.Helper()
	select {
	case <-n.exited:
	case <-time.After(time.Second):
		t.Fatal("node never exited")
	}
}

func newTestController(t *testing.T) (*Controller, *fakeMessenger, *registration.Machine, *testNode) {
	t.Helper()
	codec := protocol.NewCodec()
	protocol.RegisterAll(codec)
	messenger := newFakeMessenger("game-1", codec)
	machine := registration.NewMachine("game-1")
	require.True(t, machine.TransitionTo(registration.Registering, "test"))
	require.True(t, machine.TransitionTo(registration.Registered, "test"))
	node := newTestNode()

	c := NewController(machine, codec, messenger, "registry", node.hooks())
	c.sleep = func(time.Duration) {}
	require.NoError(t, c.Bind())
	return c, messenger, machine, node
}

func commandEnvelope(t *testing.T, codec *protocol.Codec, msgType string, payload any) *protocol.Envelope {
	t.Helper()
	env, err := codec.Encode("registry", "game-1", "corr-42", msgType, payload)
	require.NoError(t, err)
	return env
}

func TestShutdownDrainsAndDeregisters(t *testing.T) {
	c, messenger, machine, node := newTestController(t)

	env := commandEnvelope(t, c.codec, protocol.TypeServerShutdown,
		&protocol.ShutdownCommand{Target: "game-1", DelaySeconds: 3, Reason: "maintenance"})
	messenger.handlers[protocol.TypeServerShutdown](env)
	node.waitExit(t)

	// Command was acked before draining.
	responses := messenger.sentResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, protocol.TypeCommandAck, responses[0].msgType)

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.statuses, 1)
	assert.Equal(t, core.StatusEvacuating, node.statuses[0])
	// One countdown warning per second of delay.
	assert.Len(t, node.chats, 3)
	assert.Contains(t, node.chats[0], "3 seconds")
	require.Len(t, node.exits, 1)
	assert.False(t, node.exits[0])

	// The registry was asked to drop the identity.
	requests := messenger.sentRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "registry", requests[0].target)
	assert.Equal(t, protocol.TypeServerDeregister, requests[0].msgType)
	dereg := requests[0].payload.(*protocol.DeregisterRequest)
	assert.Equal(t, "game-1", dereg.ServerID)
	assert.Equal(t, "maintenance", dereg.Reason)

	assert.Equal(t, registration.Unregistered, machine.State())
}

func TestRestartDetachesWithoutDeregistering(t *testing.T) {
	c, messenger, machine, node := newTestController(t)

	env := commandEnvelope(t, c.codec, protocol.TypeServerRestart,
		&protocol.RestartCommand{Target: "game-1", DelaySeconds: 0, Reason: "upgrade"})
	messenger.handlers[protocol.TypeServerRestart](env)
	node.waitExit(t)

	node.mu.Lock()
	require.Len(t, node.exits, 1)
	assert.True(t, node.exits[0])
	node.mu.Unlock()

	// No deregister request: the record stays for reclaim.
	assert.Empty(t, messenger.sentRequests())
	assert.Equal(t, registration.Unregistered, machine.State())
}

func TestCommandForOtherNodeIgnored(t *testing.T) {
	c, messenger, machine, node := newTestController(t)

	env := commandEnvelope(t, c.codec, protocol.TypeServerShutdown,
		&protocol.ShutdownCommand{Target: "game-2", DelaySeconds: 0})
	messenger.handlers[protocol.TypeServerShutdown](env)

	select {
	case <-node.exited:
		t.Fatal("node drained on a command addressed elsewhere")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, messenger.sentResponses())
	assert.Equal(t, registration.Registered, machine.State())
}

func TestFleetWideShutdownApplies(t *testing.T) {
	c, messenger, _, node := newTestController(t)

	// Empty target means everyone.
	env := commandEnvelope(t, c.codec, protocol.TypeServerShutdown,
		&protocol.ShutdownCommand{DelaySeconds: 0})
	messenger.handlers[protocol.TypeServerShutdown](env)
	node.waitExit(t)
}

func TestChatBroadcastDelivered(t *testing.T) {
	c, messenger, _, node := newTestController(t)

	env, err := c.codec.Encode("registry", "", "", protocol.TypeBroadcast,
		&protocol.ChatBroadcast{Message: "restart in 5 minutes"})
	require.NoError(t, err)
	messenger.handlers[protocol.TypeBroadcast](env)

	require.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		return len(node.chats) == 1
	}, time.Second, 10*time.Millisecond)
	node.mu.Lock()
	assert.Equal(t, "restart in 5 minutes", node.chats[0])
	node.mu.Unlock()
}

func TestChatBroadcastForOtherTargetIgnored(t *testing.T) {
	c, messenger, _, node := newTestController(t)

	env, err := c.codec.Encode("registry", "", "", protocol.TypeBroadcast,
		&protocol.ChatBroadcast{Target: "game-9", Message: "not for you"})
	require.NoError(t, err)
	messenger.handlers[protocol.TypeBroadcast](env)

	time.Sleep(50 * time.Millisecond)
	node.mu.Lock()
	assert.Empty(t, node.chats)
	node.mu.Unlock()
}

func TestSecondCommandWhileDrainingIgnored(t *testing.T) {
	c, messenger, _, node := newTestController(t)

	// Block the first drain inside its countdown.
	gate := make(chan struct{})
	c.sleep = func(time.Duration) { <-gate }

	env := commandEnvelope(t, c.codec, protocol.TypeServerShutdown,
		&protocol.ShutdownCommand{Target: "game-1", DelaySeconds: 1})
	messenger.handlers[protocol.TypeServerShutdown](env)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.draining
	}, time.Second, 5*time.Millisecond)

	// A second drain call returns without side effects.
	c.drain(false, 5, "second")
	close(gate)
	node.waitExit(t)

	node.mu.Lock()
	defer node.mu.Unlock()
	assert.Len(t, node.exits, 1)
}
