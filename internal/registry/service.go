package registry

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
)

// Messenger is the slice of the bus the registry service needs.
type Messenger interface {
	Subscribe(msgType string, handler bus.Handler) (func(), error)
	Respond(to *protocol.Envelope, msgType string, payload any) error
}

// Service binds the store to the bus: it answers registration requests and
// absorbs heartbeats, family advertisements, and deregistrations.
type Service struct {
	store     *Store
	codec     *protocol.Codec
	messenger Messenger

	unsubs []func()
}

// NewService wires a registry service; call Bind to subscribe.
func NewService(store *Store, codec *protocol.Codec, messenger Messenger) *Service {
	return &Service{store: store, codec: codec, messenger: messenger}
}

// Bind subscribes the service's message types.
func (s *Service) Bind() error {
	for msgType, handler := range map[string]bus.Handler{
		protocol.TypeServerRegister:   s.onRegister,
		protocol.TypeProxyRegister:    s.onRegister,
		protocol.TypeServerHeartbeat:  s.onHeartbeat,
		protocol.TypeProxyHeartbeat:   s.onHeartbeat,
		protocol.TypeFamilyAdvertise:  s.onFamilyAdvertise,
		protocol.TypeServerDeregister: s.onDeregister,
	} {
		unsub, err := s.messenger.Subscribe(msgType, handler)
		if err != nil {
			return err
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

// Unbind removes the service's subscriptions.
func (s *Service) Unbind() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Service) onRegister(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Registry] Undecodable register request", "error", err)
		return
	}
	req, ok := payload.(*protocol.RegisterRequest)
	if !ok {
		return
	}

	result, err := s.store.Register(context.Background(), req)
	if err != nil {
		slog.Warn("[Registry] Registration failed", "tempId", req.TempID, "error", err)
		ack := &protocol.CommandAck{OK: false, Message: err.Error()}
		if respErr := s.messenger.Respond(env, protocol.TypeCommandAck, ack); respErr != nil {
			slog.Warn("[Registry] Failure response publish failed", "error", respErr)
		}
		return
	}
	if err := s.messenger.Respond(env, protocol.TypeServerRegistered, result); err != nil {
		slog.Warn("[Registry] Registration response publish failed", "id", result.ID, "error", err)
	}
}

func (s *Service) onHeartbeat(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Registry] Undecodable heartbeat", "error", err)
		return
	}
	hb, ok := payload.(*protocol.Heartbeat)
	if !ok {
		return
	}

	kind := core.KindGame
	if env.Type == protocol.TypeProxyHeartbeat {
		kind = core.KindProxy
	}
	if err := s.store.Heartbeat(context.Background(), kind, hb.ServerID, hb); err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			// The sender re-registers on its next cycle; nothing to do here.
			slog.Warn("[Registry] Heartbeat from unknown identity, discarded", "id", hb.ServerID)
			return
		}
		slog.Warn("[Registry] Heartbeat apply failed", "id", hb.ServerID, "error", err)
	}
}

func (s *Service) onFamilyAdvertise(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Registry] Undecodable family advertisement", "error", err)
		return
	}
	adv, ok := payload.(*protocol.FamilyAdvertisement)
	if !ok {
		return
	}
	if err := s.store.SetFamilies(context.Background(), adv.ServerID, adv.Descriptors); err != nil {
		// Advertisement may legally arrive before the first heartbeat or
		// even before registration lands; reconciliation picks it up later.
		slog.Warn("[Registry] Family advertisement not applied", "server", adv.ServerID, "error", err)
	}
}

func (s *Service) onDeregister(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Registry] Undecodable deregister request", "error", err)
		return
	}
	req, ok := payload.(*protocol.DeregisterRequest)
	if !ok {
		return
	}

	kind := core.KindGame
	if _, lookupErr := s.store.GetServer(context.Background(), req.ServerID); lookupErr != nil {
		kind = core.KindProxy
	}
	unregErr := s.store.Unregister(context.Background(), kind, req.ServerID)
	if unregErr != nil {
		slog.Warn("[Registry] Deregistration failed", "id", req.ServerID, "error", unregErr)
	}
	if env.CorrelationID != "" {
		ack := &protocol.CommandAck{OK: unregErr == nil}
		if unregErr != nil {
			ack.Message = unregErr.Error()
		}
		if respErr := s.messenger.Respond(env, protocol.TypeCommandAck, ack); respErr != nil {
			slog.Warn("[Registry] Deregister ack publish failed", "id", req.ServerID, "error", respErr)
		}
	}
}
