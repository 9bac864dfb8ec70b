// Package core holds the fleet domain model shared by the registry, the
// dispatcher, and the wire protocol: identities, server and proxy records,
// slots, and slot family descriptors.
package core

// Kind distinguishes the two identity classes on the network.
type Kind string

const (
	KindGame  Kind = "GAME"
	KindProxy Kind = "PROXY"
)

// Status is the heartbeat-derived availability of an identity.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusDead        Status = "DEAD"
	StatusEvacuating  Status = "EVACUATING"
	StatusFull        Status = "FULL"
)

// SlotStatus is the lifecycle state of a single slot.
type SlotStatus string

const (
	SlotAvailable  SlotStatus = "AVAILABLE"
	SlotOccupied   SlotStatus = "OCCUPIED"
	SlotEvacuating SlotStatus = "EVACUATING"
	SlotDead       SlotStatus = "DEAD"
)

// Identity is the common shape of every server and proxy on the network.
type Identity struct {
	ID           string `json:"id"`
	TempID       string `json:"tempId,omitempty"`
	InstanceUUID string `json:"instanceUuid"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	Kind         Kind   `json:"kind"`
	Role         string `json:"role,omitempty"`

	// RegistrationState mirrors the owning node's state machine. Stored as
	// its wire string so records stay self-describing in Redis.
	RegistrationState string `json:"registrationState"`

	Status          Status `json:"status"`
	LastHeartbeatMs int64  `json:"lastHeartbeatMs"`
	Version         string `json:"version,omitempty"`
}

// ServerRecord is the authoritative registry document for a GAME backend.
type ServerRecord struct {
	Identity

	MaxCapacity int     `json:"maxCapacity"`
	PlayerCount int     `json:"playerCount"`
	TPS         float64 `json:"tps"`
	MemoryUsage float64 `json:"memoryUsage"`
	CPUUsage    float64 `json:"cpuUsage"`

	// Slots is keyed by slotSuffix (local to this server).
	Slots map[string]*SlotRecord `json:"slots,omitempty"`

	// Families advertised by this backend, for reconciliation reads.
	Families []SlotFamilyDescriptor `json:"families,omitempty"`
}

// ProxyRecord is the registry document for an edge proxy.
type ProxyRecord struct {
	Identity
}

// SlotRecord is one reservable match instance on a backend.
type SlotRecord struct {
	SlotID        string            `json:"slotId"`
	SlotSuffix    string            `json:"slotSuffix"`
	OwnerServerID string            `json:"ownerServerId"`
	Status        SlotStatus        `json:"status"`
	MaxPlayers    int               `json:"maxPlayers"`
	OnlinePlayers int               `json:"onlinePlayers"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Well-known slot metadata keys stamped by the dispatcher.
const (
	SlotMetaFamily      = "family"
	SlotMetaVariant     = "variant"
	SlotMetaReservedFor = "reservedFor"
	SlotMetaReservedAt  = "reservedAt"
)

// SlotFamilyDescriptor is published by backends to advertise a hosted
// minigame family, optionally narrowed to a variant.
type SlotFamilyDescriptor struct {
	FamilyID  string `json:"familyId"`
	VariantID string `json:"variantId,omitempty"`

	MinPlayers int `json:"minPlayers"`
	MaxPlayers int `json:"maxPlayers"`

	// PlayerEquivalentFactor is a scaled x10 integer: 10 == 1.0x load.
	// Reduced-load families (< 10) are valid; values below 1 are clamped.
	PlayerEquivalentFactor int `json:"playerEquivalentFactor"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Factor returns the clamped load factor.
func (d SlotFamilyDescriptor) Factor() int {
	if d.PlayerEquivalentFactor < 1 {
		return 1
	}
	return d.PlayerEquivalentFactor
}

// EffectiveLoad is the dispatcher's tie-break metric for a server: the sum
// of factor-weighted online players across active slots, normalized by the
// server's capacity. Factors are x10 scaled, hence the /10.
func EffectiveLoad(s *ServerRecord, factorFor func(slot *SlotRecord) int) float64 {
	if s.MaxCapacity <= 0 {
		return 0
	}
	var weighted float64
	for _, slot := range s.Slots {
		if slot.Status == SlotDead {
			continue
		}
		weighted += float64(slot.OnlinePlayers*factorFor(slot)) / 10.0
	}
	return weighted / float64(s.MaxCapacity)
}
