package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/monitoring"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registration"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

// DefaultCooldown is how long a player must wait between slot requests.
const DefaultCooldown = 5 * time.Second

// maxAttempts bounds internal retries when a chosen backend changes state
// between selection and write.
const maxAttempts = 3

// Dispatcher resolves slot requests against the family cache and the
// registry, reserving the chosen slot via the owning server's record.
// Assignment decisions are serialized by a mutex so concurrent requests can
// never reserve the same slot.
type Dispatcher struct {
	mu      sync.Mutex
	cache   *FamilyCache
	store   *registry.Store
	metrics *monitoring.Metrics

	cooldown    map[string]time.Time
	cooldownTTL time.Duration

	now func() time.Time
}

// NewDispatcher creates a dispatcher. A non-positive cooldown selects the
// default.
func NewDispatcher(cache *FamilyCache, store *registry.Store, metrics *monitoring.Metrics, cooldown time.Duration) *Dispatcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Dispatcher{
		cache:       cache,
		store:       store,
		metrics:     metrics,
		cooldown:    make(map[string]time.Time),
		cooldownTTL: cooldown,
		now:         time.Now,
	}
}

// SetClock overrides the dispatcher's clock. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Dispatch resolves one slot request. Exactly one of the returns is non-nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.SlotRequest) (*protocol.SlotAssignment, *protocol.SlotRejection) {
	start := time.Now()
	assignment, rejection := d.dispatch(ctx, req)

	if d.metrics != nil {
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		result := "assigned"
		if rejection != nil {
			result = string(rejection.Reason)
		}
		d.metrics.DispatchResults.WithLabelValues(result).Inc()
	}
	return assignment, rejection
}

func (d *Dispatcher) dispatch(ctx context.Context, req *protocol.SlotRequest) (*protocol.SlotAssignment, *protocol.SlotRejection) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.passCooldownLocked(req.PlayerID) {
		return nil, d.reject(req, protocol.RejectPlayerCooldown)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		assignment, rejection, transient := d.attemptLocked(ctx, req)
		if transient {
			slog.Info("[Dispatch] Candidate raced away, retrying",
				"player", req.PlayerID, "family", req.FamilyID, "attempt", attempt+1)
			continue
		}
		return assignment, rejection
	}
	return nil, d.reject(req, protocol.RejectTransientFailure)
}

// passCooldownLocked enforces the per-player request cooldown and stamps the
// table for allowed requests. Expired entries are pruned opportunistically.
func (d *Dispatcher) passCooldownLocked(playerID string) bool {
	now := d.now()
	for id, at := range d.cooldown {
		if now.Sub(at) >= d.cooldownTTL {
			delete(d.cooldown, id)
		}
	}
	if at, ok := d.cooldown[playerID]; ok && now.Sub(at) < d.cooldownTTL {
		return false
	}
	d.cooldown[playerID] = now
	return true
}

type candidateSlot struct {
	server *core.ServerRecord
	slot   *core.SlotRecord
	load   float64
}

// attemptLocked runs one selection pass. transient is true when the chosen
// backend disappeared or left REGISTERED between selection and write.
func (d *Dispatcher) attemptLocked(ctx context.Context, req *protocol.SlotRequest) (*protocol.SlotAssignment, *protocol.SlotRejection, bool) {
	ids, familyKnown := d.cache.Lookup(req.FamilyID, req.VariantID)
	if !familyKnown {
		return nil, d.reject(req, protocol.RejectNoBackendForFamily), false
	}
	if len(ids) == 0 {
		return nil, d.reject(req, protocol.RejectNoBackendForVariant), false
	}

	candidates := d.collectCandidates(ctx, req, ids)
	if len(candidates) == 0 {
		return nil, d.reject(req, protocol.RejectNoCapacity), false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.slot.OnlinePlayers != b.slot.OnlinePlayers {
			return a.slot.OnlinePlayers < b.slot.OnlinePlayers
		}
		if a.load != b.load {
			return a.load < b.load
		}
		if a.server.ID != b.server.ID {
			return a.server.ID < b.server.ID
		}
		return a.slot.SlotID < b.slot.SlotID
	})
	chosen := candidates[0]

	// Re-read the owner before writing: it may have deregistered or lost
	// REGISTERED state since selection.
	rec, err := d.store.GetServer(ctx, chosen.server.ID)
	if err != nil || rec.RegistrationState != registration.Registered.String() {
		d.cache.RemoveServer(chosen.server.ID)
		return nil, nil, true
	}
	slot, ok := rec.Slots[chosen.slot.SlotSuffix]
	if !ok || slot.Status != core.SlotAvailable || slot.OnlinePlayers >= slot.MaxPlayers {
		return nil, nil, true
	}

	slot.OnlinePlayers++
	if slot.MaxPlayers <= 1 || slot.OnlinePlayers >= slot.MaxPlayers {
		slot.Status = core.SlotOccupied
	}
	if slot.Metadata == nil {
		slot.Metadata = make(map[string]string)
	}
	slot.Metadata[core.SlotMetaReservedFor] = req.PlayerID
	slot.Metadata[core.SlotMetaReservedAt] = strconv.FormatInt(d.now().UnixMilli(), 10)

	if err := d.store.SaveServer(ctx, rec); err != nil {
		slog.Warn("[Dispatch] Slot reservation write failed", "server", rec.ID, "error", err)
		return nil, nil, true
	}

	meta := make(map[string]string, len(slot.Metadata)+2)
	for k, v := range slot.Metadata {
		meta[k] = v
	}
	meta[core.SlotMetaFamily] = req.FamilyID
	if req.VariantID != "" {
		meta[core.SlotMetaVariant] = req.VariantID
	}

	slog.Info("[Dispatch] Slot assigned", "player", req.PlayerID, "family", req.FamilyID,
		"variant", req.VariantID, "server", rec.ID, "slot", slot.SlotID)
	return &protocol.SlotAssignment{
		RequestID: req.RequestID,
		ServerID:  rec.ID,
		SlotID:    slot.SlotID,
		Metadata:  meta,
	}, nil, false
}

// collectCandidates filters servers to REGISTERED + AVAILABLE and
// enumerates their open slots for the requested family.
func (d *Dispatcher) collectCandidates(ctx context.Context, req *protocol.SlotRequest, ids []string) []candidateSlot {
	var out []candidateSlot
	for _, id := range ids {
		rec, err := d.store.GetServer(ctx, id)
		if err != nil {
			continue
		}
		if rec.RegistrationState != registration.Registered.String() || rec.Status != core.StatusAvailable {
			continue
		}
		load := core.EffectiveLoad(rec, d.factorFor)
		for _, slot := range rec.Slots {
			if slot.Status != core.SlotAvailable || slot.OnlinePlayers >= slot.MaxPlayers {
				continue
			}
			if fam := slot.Metadata[core.SlotMetaFamily]; fam != "" && fam != req.FamilyID {
				continue
			}
			if req.VariantID != "" {
				if v := slot.Metadata[core.SlotMetaVariant]; v != "" && v != req.VariantID {
					continue
				}
			}
			out = append(out, candidateSlot{server: rec, slot: slot, load: load})
		}
	}
	return out
}

// factorFor resolves a slot's playerEquivalentFactor from the advertised
// descriptor, defaulting to 1.0x load.
func (d *Dispatcher) factorFor(slot *core.SlotRecord) int {
	fam := slot.Metadata[core.SlotMetaFamily]
	if fam == "" {
		return 10
	}
	desc, ok := d.cache.Descriptor(fam, slot.Metadata[core.SlotMetaVariant])
	if !ok {
		return 10
	}
	return desc.Factor()
}

func (d *Dispatcher) reject(req *protocol.SlotRequest, reason protocol.RejectionReason) *protocol.SlotRejection {
	slog.Info("[Dispatch] Slot request rejected",
		"player", req.PlayerID, "family", req.FamilyID, "variant", req.VariantID, "reason", reason)
	return &protocol.SlotRejection{
		RequestID: req.RequestID,
		Reason:    reason,
		Message:   fmt.Sprintf("%s %s: %s", req.FamilyID, req.VariantID, reason.HumanMessage()),
	}
}
