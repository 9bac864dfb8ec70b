package protocol

import "github.com/fulcrum-net/fulcrum/internal/core"

// Message type strings carried in Envelope.Type.
const (
	TypeServerRegister     = "server.register"
	TypeServerRegistered   = "server.registered"
	TypeServerHeartbeat    = "server.heartbeat"
	TypeServerDeregister   = "server.deregister"
	TypeServerDeregistered = "server.deregistered"
	TypeServerShutdown     = "server.shutdown"
	TypeServerRestart      = "server.restart"

	TypeProxyRegister  = "proxy.register"
	TypeProxyHeartbeat = "proxy.heartbeat"
	TypeProxyDead      = "proxy.dead"

	TypeFamilyAdvertise = "family.advertise"

	TypeSlotRequest    = "slot.request"
	TypeSlotAssignment = "slot.assignment"
	TypeSlotRejection  = "slot.rejection"

	TypeBroadcast  = "broadcast"
	TypeCommandAck = "command.ack"
)

// RejectionReason enumerates why a slot request was refused.
type RejectionReason string

const (
	RejectNoBackendForFamily  RejectionReason = "NO_BACKEND_FOR_FAMILY"
	RejectNoBackendForVariant RejectionReason = "NO_BACKEND_FOR_VARIANT"
	RejectNoCapacity          RejectionReason = "NO_CAPACITY"
	RejectPlayerCooldown      RejectionReason = "PLAYER_COOLDOWN"
	RejectTransientFailure    RejectionReason = "TRANSIENT_FAILURE"
)

// HumanMessage is the operator/player-facing text for a rejection.
func (r RejectionReason) HumanMessage() string {
	switch r {
	case RejectNoBackendForFamily:
		return "no server currently hosts that game"
	case RejectNoBackendForVariant:
		return "no server currently hosts that game variant"
	case RejectNoCapacity:
		return "all matching servers are full, try again shortly"
	case RejectPlayerCooldown:
		return "you are doing that too fast, wait a moment"
	case RejectTransientFailure:
		return "the network hiccuped, try again"
	default:
		return "slot request failed"
	}
}

// RegisterRequest is sent by a joining node (server.register / proxy.register).
type RegisterRequest struct {
	TempID       string `json:"tempId"`
	InstanceUUID string `json:"instanceUuid"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	Kind         string `json:"kind"`
	Role         string `json:"role,omitempty"`
	Version      string `json:"version,omitempty"`
	MaxCapacity  int    `json:"maxCapacity,omitempty"`

	// Slots declares the reservable instances a backend hosts; empty for
	// proxies.
	Slots []SlotDefinition `json:"slots,omitempty"`
}

// SlotDefinition is a backend-local slot declared at registration time.
type SlotDefinition struct {
	SlotSuffix string            `json:"slotSuffix"`
	MaxPlayers int               `json:"maxPlayers"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RegistrationResult is the server.registered response payload.
type RegistrationResult struct {
	ID        string `json:"id"`
	Reclaimed bool   `json:"reclaimed"`
}

// Heartbeat is emitted by every identity on a fixed cadence. Field names
// follow the heartbeat contract exactly.
type Heartbeat struct {
	ServerID       string   `json:"serverId"`
	ServerType     string   `json:"serverType"`
	TPS            float64  `json:"tps"`
	PlayerCount    int      `json:"playerCount"`
	MaxCapacity    int      `json:"maxCapacity"`
	Uptime         int64    `json:"uptime"`
	Role           string   `json:"role,omitempty"`
	AvailablePools []string `json:"availablePools,omitempty"`
	Status         string   `json:"status"`
	Timestamp      int64    `json:"timestamp"`
}

// DeregisterRequest asks the registry to remove an identity.
type DeregisterRequest struct {
	ServerID string `json:"serverId"`
	Reason   string `json:"reason,omitempty"`
}

// IdentityDead announces that the sweeper declared an identity dead
// (server.deregistered / proxy.dead).
type IdentityDead struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DeadSinceMs int64  `json:"deadSinceMs"`
	Reason      string `json:"reason,omitempty"`
}

// FamilyAdvertisement publishes the slot families a backend hosts.
type FamilyAdvertisement struct {
	ServerID    string                      `json:"serverId"`
	Descriptors []core.SlotFamilyDescriptor `json:"descriptors"`
}

// SlotRequest asks the dispatcher for a backend assignment.
type SlotRequest struct {
	RequestID string            `json:"requestId"`
	PlayerID  string            `json:"playerId"`
	FamilyID  string            `json:"familyId"`
	VariantID string            `json:"variantId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SlotAssignment is the successful dispatch response.
type SlotAssignment struct {
	RequestID string            `json:"requestId"`
	ServerID  string            `json:"serverId"`
	SlotID    string            `json:"slotId"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SlotRejection is the failed dispatch response.
type SlotRejection struct {
	RequestID string          `json:"requestId"`
	Reason    RejectionReason `json:"reason"`
	Message   string          `json:"message,omitempty"`
}

// ShutdownCommand instructs a backend to drain and deregister.
type ShutdownCommand struct {
	Target       string `json:"target"`
	DelaySeconds int    `json:"delaySeconds"`
	Reason       string `json:"reason,omitempty"`
}

// RestartCommand is a shutdown followed by re-registration with the same
// instanceUuid, enabling reclaim.
type RestartCommand struct {
	Target       string `json:"target"`
	DelaySeconds int    `json:"delaySeconds"`
	Reason       string `json:"reason,omitempty"`
}

// ChatBroadcast carries an operator message to one node's chat subsystem,
// or to every node when Target is empty.
type ChatBroadcast struct {
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// CommandAck is the generic request/response acknowledgement.
type CommandAck struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// RegisterAll installs every fleet message schema on a codec. All current
// schemas are version 1.
func RegisterAll(c *Codec) {
	register := func(msgType string, alloc func() any) {
		c.Register(Schema{Type: msgType, Version: 1, New: alloc})
	}

	register(TypeServerRegister, func() any { return &RegisterRequest{} })
	register(TypeProxyRegister, func() any { return &RegisterRequest{} })
	register(TypeServerRegistered, func() any { return &RegistrationResult{} })
	register(TypeServerHeartbeat, func() any { return &Heartbeat{} })
	register(TypeProxyHeartbeat, func() any { return &Heartbeat{} })
	register(TypeServerDeregister, func() any { return &DeregisterRequest{} })
	register(TypeServerDeregistered, func() any { return &IdentityDead{} })
	register(TypeProxyDead, func() any { return &IdentityDead{} })
	register(TypeServerShutdown, func() any { return &ShutdownCommand{} })
	register(TypeServerRestart, func() any { return &RestartCommand{} })
	register(TypeFamilyAdvertise, func() any { return &FamilyAdvertisement{} })
	register(TypeSlotRequest, func() any { return &SlotRequest{} })
	register(TypeSlotAssignment, func() any { return &SlotAssignment{} })
	register(TypeSlotRejection, func() any { return &SlotRejection{} })
	register(TypeBroadcast, func() any { return &ChatBroadcast{} })
	register(TypeCommandAck, func() any { return &CommandAck{} })
}
