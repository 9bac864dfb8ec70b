// Package bus is the single-process façade over Redis pub/sub that every
// fleet node talks through. It provides three primitives: broadcast (fan-out
// by message type), send (directed at one identity), and request (directed
// send parked on a correlation table until a response or timeout).
//
// Delivery is at-most-once; the fleet tolerates loss through periodic
// reconciliation (re-registration, heartbeats, inspector re-scans).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fulcrum-net/fulcrum/internal/monitoring"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

// Bus errors.
var (
	ErrTimeout = errors.New("request timed out")
	ErrClosed  = errors.New("bus is closed")
)

// DefaultRequestTimeout applies when a caller passes a non-positive timeout.
const DefaultRequestTimeout = 5 * time.Second

// drainDeadline bounds how long Close waits for in-flight handlers.
const drainDeadline = 5 * time.Second

// outboundBuffer bounds the publish queue; publishing never blocks callers.
const outboundBuffer = 256

// queueBuffer bounds each per-type delivery queue.
const queueBuffer = 256

// Handler receives every envelope of a subscribed type that is addressed to
// this node (broadcast or directed at it). Handlers for one type run
// sequentially in publication order.
type Handler func(env *protocol.Envelope)

type subscription struct {
	id      int
	handler Handler
}

type outbound struct {
	channel string
	data    []byte
}

// Bus wires the codec and a pub/sub transport into the three messaging
// primitives. One Bus instance exists per process.
type Bus struct {
	codec     *protocol.Codec
	transport storage.PubSub
	metrics   *monitoring.Metrics

	mu          sync.RWMutex
	selfID      string
	subs        map[string][]subscription
	queues      map[string]chan *protocol.Envelope
	typeUnsubs  map[string]func() // broadcast-channel unsubscribes, per type
	identUnsubs []func()          // direct + reply channel unsubscribes
	nextSubID   int
	started     bool
	closed      bool

	out  chan outbound
	done chan struct{}

	// pending maps correlationId -> chan *protocol.Envelope (buffer 1).
	pending sync.Map

	handlerWG sync.WaitGroup
	workerWG  sync.WaitGroup
}

// New creates a bus bound to the given identity. Before registration
// completes the identity is the node's tempId; RefreshServerIdentity swaps
// in the assigned id.
func New(codec *protocol.Codec, transport storage.PubSub, selfID string, metrics *monitoring.Metrics) *Bus {
	return &Bus{
		codec:      codec,
		transport:  transport,
		metrics:    metrics,
		selfID:     selfID,
		subs:       make(map[string][]subscription),
		queues:     make(map[string]chan *protocol.Envelope),
		typeUnsubs: make(map[string]func()),
		out:        make(chan outbound, outboundBuffer),
		done:       make(chan struct{}),
	}
}

// Start subscribes the node's direct and reply channels and launches the
// outbound publisher.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	self := b.selfID
	b.mu.Unlock()

	if err := b.subscribeIdentity(ctx, self); err != nil {
		return err
	}

	b.workerWG.Add(1)
	go b.publishLoop(ctx)
	return nil
}

// CurrentServerID returns the identity the bus filters directed messages on.
func (b *Bus) CurrentServerID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selfID
}

// RefreshServerIdentity swaps the bound identity (tempId → assigned id) and
// replays the identity channel subscriptions so `target == self` filters
// remain correct.
func (b *Bus) RefreshServerIdentity(newID string) error {
	b.mu.Lock()
	old := b.selfID
	unsubs := b.identUnsubs
	b.identUnsubs = nil
	b.selfID = newID
	b.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	slog.Info("[Bus] Identity refreshed", "old", old, "new", newID)
	return b.subscribeIdentity(context.Background(), newID)
}

// Subscribe registers a handler for a message type. The type must already be
// registered on the codec. Returns an unsubscribe function.
func (b *Bus) Subscribe(msgType string, handler Handler) (func(), error) {
	if !b.codec.Registered(msgType) {
		return nil, fmt.Errorf("%w: %q (register the schema before subscribing)", protocol.ErrUnknownType, msgType)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextSubID++
	id := b.nextSubID
	b.subs[msgType] = append(b.subs[msgType], subscription{id: id, handler: handler})
	b.ensureQueueLocked(msgType)
	needWire := b.typeUnsubs[msgType] == nil
	if needWire {
		// Mark as claimed before unlocking so concurrent subscribers don't
		// double-subscribe the channel.
		b.typeUnsubs[msgType] = func() {}
	}
	b.mu.Unlock()

	if needWire {
		unsub, err := b.transport.Subscribe(context.Background(), BroadcastChannel(msgType), b.onWire)
		if err != nil {
			slog.Warn("[Bus] Broadcast channel subscribe failed, local-only delivery",
				"type", msgType, "error", err)
		} else {
			b.mu.Lock()
			b.typeUnsubs[msgType] = unsub
			b.mu.Unlock()
		}
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[msgType]
		for i, s := range subs {
			if s.id == id {
				b.subs[msgType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}

// Broadcast fans a message out to all subscribers of the type network-wide.
// Publishing is non-blocking; the bus owns outbound queueing.
func (b *Bus) Broadcast(msgType string, payload any) error {
	env, err := b.codec.Encode(b.CurrentServerID(), "", "", msgType, payload)
	if err != nil {
		return err
	}
	return b.enqueue(BroadcastChannel(msgType), env)
}

// Send delivers a message to a single identity.
func (b *Bus) Send(targetID, msgType string, payload any) error {
	env, err := b.codec.Encode(b.CurrentServerID(), targetID, "", msgType, payload)
	if err != nil {
		return err
	}
	return b.enqueue(DirectChannel(targetID), env)
}

// Request sends a directed message with a fresh correlation id and parks the
// caller until a response envelope with the same correlation id arrives, the
// timeout expires (ErrTimeout), or ctx is cancelled. The correlation entry is
// removed on every exit path.
func (b *Bus) Request(ctx context.Context, targetID, msgType string, payload any, timeout time.Duration) (*protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	corrID := uuid.NewString()
	env, err := b.codec.Encode(b.CurrentServerID(), targetID, corrID, msgType, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	b.pending.Store(corrID, ch)
	defer b.pending.Delete(corrID)

	start := time.Now()
	if err := b.enqueue(DirectChannel(targetID), env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if b.metrics != nil {
			b.metrics.RequestDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
		}
		return resp, nil
	case <-timer.C:
		if b.metrics != nil {
			b.metrics.RequestTimeouts.WithLabelValues(msgType).Inc()
		}
		return nil, fmt.Errorf("%w: %s to %s after %s", ErrTimeout, msgType, targetID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond answers a request envelope. The response carries the request's
// correlation id and is published on the original sender's reply channel.
func (b *Bus) Respond(to *protocol.Envelope, msgType string, payload any) error {
	if to.CorrelationID == "" {
		return fmt.Errorf("respond to %s: envelope has no correlation id", to.Type)
	}
	env, err := b.codec.Encode(b.CurrentServerID(), to.Sender, to.CorrelationID, msgType, payload)
	if err != nil {
		return err
	}
	return b.enqueue(ReplyChannel(to.Sender), env)
}

// Close stops accepting publishes, drains in-flight handlers with a bounded
// deadline, then tears down all channel subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	typeUnsubs := b.typeUnsubs
	identUnsubs := b.identUnsubs
	b.typeUnsubs = map[string]func(){}
	b.identUnsubs = nil
	// The out and per-type queues are never closed; workers exit through the
	// done channel so a racing publisher cannot hit a closed channel.
	close(b.done)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.handlerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainDeadline):
		slog.Warn("[Bus] Drain deadline exceeded, aborting in-flight handlers")
	}

	for _, unsub := range typeUnsubs {
		unsub()
	}
	for _, unsub := range identUnsubs {
		unsub()
	}

	slog.Info("[Bus] Closed")
	return nil
}

// enqueue hands an envelope to the outbound publisher. A full queue drops
// the message and logs; the system reconciles lost messages periodically.
// The closed check and the send happen under the same lock so a racing
// Close observes either a refused publish or a queued one, never a crash.
func (b *Bus) enqueue(channel string, env *protocol.Envelope) error {
	data, err := b.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.out <- outbound{channel: channel, data: data}:
		return nil
	default:
		slog.Warn("[Bus] Outbound queue full, dropping message", "type", env.Type, "channel", channel)
		return nil
	}
}

func (b *Bus) publishLoop(ctx context.Context) {
	defer b.workerWG.Done()
	for {
		var msg outbound
		select {
		case msg = <-b.out:
		case <-b.done:
			return
		}
		if err := b.transport.Publish(ctx, msg.channel, msg.data); err != nil {
			// Fire-and-forget semantics: log and continue. Requests simply
			// time out if the publish never landed.
			slog.Warn("[Bus] Publish failed", "channel", msg.channel, "error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.BusPublished.WithLabelValues(msg.channel).Inc()
		}
	}
}

// subscribeIdentity wires the direct and reply channels for an identity.
func (b *Bus) subscribeIdentity(ctx context.Context, id string) error {
	directUnsub, err := b.transport.Subscribe(ctx, DirectChannel(id), b.onWire)
	if err != nil {
		return fmt.Errorf("subscribe direct channel: %w", err)
	}
	replyUnsub, err := b.transport.Subscribe(ctx, ReplyChannel(id), b.onReply)
	if err != nil {
		directUnsub()
		return fmt.Errorf("subscribe reply channel: %w", err)
	}

	b.mu.Lock()
	b.identUnsubs = append(b.identUnsubs, directUnsub, replyUnsub)
	b.mu.Unlock()
	return nil
}

// onWire receives broadcast and directed envelopes and routes them into the
// per-type delivery queue, preserving publication order per type.
func (b *Bus) onWire(data []byte) {
	env, err := parseEnvelope(data)
	if err != nil {
		slog.Warn("[Bus] Dropping malformed envelope", "error", err)
		return
	}

	b.mu.RLock()
	q := b.queues[env.Type]
	closed := b.closed
	b.mu.RUnlock()
	if closed || q == nil {
		return
	}

	select {
	case q <- env:
	default:
		slog.Warn("[Bus] Delivery queue full, dropping message", "type", env.Type)
	}
}

// onReply completes a parked request. Responses with no matching correlation
// entry (late or duplicate) are dropped.
func (b *Bus) onReply(data []byte) {
	env, err := parseEnvelope(data)
	if err != nil {
		slog.Warn("[Bus] Dropping malformed reply", "error", err)
		return
	}
	if env.CorrelationID == "" {
		return
	}
	if v, ok := b.pending.LoadAndDelete(env.CorrelationID); ok {
		v.(chan *protocol.Envelope) <- env
	}
}

// ensureQueueLocked creates the per-type queue and its single worker. Caller
// holds b.mu.
func (b *Bus) ensureQueueLocked(msgType string) {
	if _, ok := b.queues[msgType]; ok {
		return
	}
	q := make(chan *protocol.Envelope, queueBuffer)
	b.queues[msgType] = q
	b.workerWG.Add(1)
	go b.deliverLoop(msgType, q)
}

// deliverLoop is the single worker for one message type: it applies the
// target filter and invokes handlers sequentially so per-type order holds.
func (b *Bus) deliverLoop(msgType string, q chan *protocol.Envelope) {
	defer b.workerWG.Done()
	for {
		var env *protocol.Envelope
		select {
		case env = <-q:
		case <-b.done:
			return
		}
		if !env.Broadcast() && env.Target != b.CurrentServerID() {
			continue
		}

		b.mu.RLock()
		subs := append([]subscription(nil), b.subs[msgType]...)
		b.mu.RUnlock()

		for _, s := range subs {
			b.invoke(msgType, s.handler, env)
		}
		if b.metrics != nil {
			b.metrics.BusDelivered.WithLabelValues(msgType).Inc()
		}
	}
}

// invoke runs one handler with panic isolation: a failing subscriber never
// affects siblings or subsequent messages.
func (b *Bus) invoke(msgType string, h Handler, env *protocol.Envelope) {
	b.handlerWG.Add(1)
	defer b.handlerWG.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("[Bus] Handler panic", "type", msgType, "panic", r)
			if b.metrics != nil {
				b.metrics.BusHandlerErrors.WithLabelValues(msgType).Inc()
			}
		}
	}()
	h(env)
}

func parseEnvelope(data []byte) (*protocol.Envelope, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecode, err)
	}
	return &env, nil
}
