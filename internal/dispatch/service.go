package dispatch

import (
	"context"
	"log/slog"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
)

// Messenger is the slice of the bus the dispatch service needs.
type Messenger interface {
	Subscribe(msgType string, handler bus.Handler) (func(), error)
	Respond(to *protocol.Envelope, msgType string, payload any) error
}

// Service binds the dispatcher and family cache to the bus: it answers
// slot.request envelopes and keeps the cache current from family.advertise
// broadcasts.
type Service struct {
	dispatcher *Dispatcher
	cache      *FamilyCache
	codec      *protocol.Codec
	messenger  Messenger

	unsubs []func()
}

// NewService wires a dispatch service; call Bind to subscribe.
func NewService(dispatcher *Dispatcher, cache *FamilyCache, codec *protocol.Codec, messenger Messenger) *Service {
	return &Service{
		dispatcher: dispatcher,
		cache:      cache,
		codec:      codec,
		messenger:  messenger,
	}
}

// Bind subscribes the service's message types.
func (s *Service) Bind() error {
	unsub, err := s.messenger.Subscribe(protocol.TypeSlotRequest, s.onSlotRequest)
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)

	unsub, err = s.messenger.Subscribe(protocol.TypeFamilyAdvertise, s.onFamilyAdvertise)
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)

	unsub, err = s.messenger.Subscribe(protocol.TypeServerDeregistered, s.onServerGone)
	if err != nil {
		return err
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

// Unbind removes the service's subscriptions.
func (s *Service) Unbind() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Service) onSlotRequest(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Dispatch] Undecodable slot request", "error", err)
		return
	}
	req, ok := payload.(*protocol.SlotRequest)
	if !ok {
		return
	}

	assignment, rejection := s.dispatcher.Dispatch(context.Background(), req)
	var respErr error
	if assignment != nil {
		respErr = s.messenger.Respond(env, protocol.TypeSlotAssignment, assignment)
	} else {
		respErr = s.messenger.Respond(env, protocol.TypeSlotRejection, rejection)
	}
	if respErr != nil {
		slog.Warn("[Dispatch] Response publish failed", "player", req.PlayerID, "error", respErr)
	}
}

func (s *Service) onFamilyAdvertise(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Dispatch] Undecodable family advertisement", "error", err)
		return
	}
	adv, ok := payload.(*protocol.FamilyAdvertisement)
	if !ok {
		return
	}
	s.cache.Advertise(adv.ServerID, adv.Descriptors)
	slog.Info("[Dispatch] Families advertised", "server", adv.ServerID, "count", len(adv.Descriptors))
}

// onServerGone drops a dead or deregistered backend from the family cache so
// it stops receiving assignments immediately.
func (s *Service) onServerGone(env *protocol.Envelope) {
	payload, err := s.codec.DecodePayload(env)
	if err != nil {
		slog.Warn("[Dispatch] Undecodable departure notice", "error", err)
		return
	}
	gone, ok := payload.(*protocol.IdentityDead)
	if !ok {
		return
	}
	s.cache.RemoveServer(gone.ID)
	slog.Info("[Dispatch] Backend removed from family cache", "server", gone.ID)
}
