// Package registry is the Redis-backed authoritative store for fleet state:
// server and proxy records, heartbeat scores, secondary indexes, and dead
// snapshots. Each identity has a single logical writer (the node owning its
// state machine); all reads are lock-free.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registration"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

// Store errors.
var (
	// ErrStorage wraps Redis failures so callers can distinguish an
	// unreachable store from domain conditions and retry.
	ErrStorage = errors.New("registry storage unavailable")

	// ErrUnknownIdentity is returned for operations on ids the registry
	// has no active record for.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrReclaimDenied is returned when a register attempt carries an
	// instanceUuid already bound to a live (non-dead) identity.
	ErrReclaimDenied = errors.New("reclaim denied: instance uuid bound to an active identity")
)

// DefaultSnapshotTTL is how long a dead identity's snapshot stays readable.
const DefaultSnapshotTTL = 60 * time.Second

// UnavailableEntry is the JSON document behind registry:proxies:unavailable:<id>.
type UnavailableEntry struct {
	Proxy              core.ProxyRecord `json:"proxy"`
	UnavailableSinceMs int64            `json:"unavailableSince"`
}

// Store is the Redis-backed registry.
type Store struct {
	client      storage.Client
	snapshotTTL time.Duration

	// now is the clock for heartbeat scores and snapshots; tests override it.
	now func() time.Time
}

// NewStore creates a registry store. A zero snapshotTTL selects the default.
func NewStore(client storage.Client, snapshotTTL time.Duration) *Store {
	if snapshotTTL <= 0 {
		snapshotTTL = DefaultSnapshotTTL
	}
	return &Store{
		client:      client,
		snapshotTTL: snapshotTTL,
		now:         time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// SnapshotTTL returns the configured dead-snapshot lifetime.
func (s *Store) SnapshotTTL() time.Duration { return s.snapshotTTL }

// Register assigns an identity id for a joining node, or reclaims the old id
// when the instanceUuid matches a dead or unavailable entry still within its
// window. The record is written fully registered and immediately visible.
func (s *Store) Register(ctx context.Context, req *protocol.RegisterRequest) (*protocol.RegistrationResult, error) {
	kind := core.Kind(req.Kind)
	nowMs := s.now().UnixMilli()

	if err := s.checkUUIDFree(ctx, kind, req.InstanceUUID); err != nil {
		return nil, err
	}

	id, reclaimed, err := s.resolveID(ctx, kind, req.InstanceUUID)
	if err != nil {
		return nil, err
	}
	if reclaimed {
		if err := s.ClearDead(ctx, kind, id); err != nil {
			return nil, err
		}
		if kind == core.KindProxy {
			s.clearUnavailable(ctx, id)
		}
	}

	ident := core.Identity{
		ID:                id,
		TempID:            req.TempID,
		InstanceUUID:      req.InstanceUUID,
		Address:           req.Address,
		Port:              req.Port,
		Kind:              kind,
		Role:              req.Role,
		RegistrationState: registration.Registered.String(),
		Status:            core.StatusAvailable,
		LastHeartbeatMs:   nowMs,
		Version:           req.Version,
	}

	if kind == core.KindProxy {
		if err := s.saveProxy(ctx, &core.ProxyRecord{Identity: ident}); err != nil {
			return nil, err
		}
	} else {
		rec := &core.ServerRecord{
			Identity:    ident,
			MaxCapacity: req.MaxCapacity,
			Slots:       make(map[string]*core.SlotRecord, len(req.Slots)),
		}
		for _, def := range req.Slots {
			rec.Slots[def.SlotSuffix] = &core.SlotRecord{
				SlotID:        id + ":" + def.SlotSuffix,
				SlotSuffix:    def.SlotSuffix,
				OwnerServerID: id,
				Status:        core.SlotAvailable,
				MaxPlayers:    def.MaxPlayers,
				Metadata:      def.Metadata,
			}
		}
		if err := s.SaveServer(ctx, rec); err != nil {
			return nil, err
		}
		if req.Role != "" {
			if err := s.client.SAdd(ctx, serverIndexKey(req.Role), id); err != nil {
				slog.Warn("[Registry] Failed to index role", "role", req.Role, "error", err)
			}
		}
	}

	if err := s.client.ZAdd(ctx, heartbeatKey(kind), float64(nowMs), id); err != nil {
		return nil, fmt.Errorf("%w: heartbeat score: %v", ErrStorage, err)
	}

	slog.Info("[Registry] Registered", "id", id, "kind", kind, "reclaimed", reclaimed,
		"address", fmt.Sprintf("%s:%d", req.Address, req.Port))
	return &protocol.RegistrationResult{ID: id, Reclaimed: reclaimed}, nil
}

// checkUUIDFree enforces at most one non-dead identity per instanceUuid.
func (s *Store) checkUUIDFree(ctx context.Context, kind core.Kind, instanceUUID string) error {
	if instanceUUID == "" {
		return nil
	}
	members, err := s.client.ZRangeWithScores(ctx, heartbeatKey(kind))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, m := range members {
		ident, err := s.loadIdentity(ctx, kind, m.Member)
		if err != nil {
			continue
		}
		if ident.InstanceUUID == instanceUUID {
			return fmt.Errorf("%w: %s held by %s", ErrReclaimDenied, instanceUUID, ident.ID)
		}
	}
	return nil
}

// resolveID finds a reclaimable id for the instanceUuid or mints a fresh one.
// The reclaim window is enforced by Redis itself: a dead id is reclaimable
// exactly while its snapshot key (TTL-bound) still exists.
func (s *Store) resolveID(ctx context.Context, kind core.Kind, instanceUUID string) (string, bool, error) {
	if instanceUUID != "" {
		dead, err := s.client.ZRangeWithScores(ctx, deadKey(kind))
		if err != nil {
			return "", false, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		for _, m := range dead {
			snap, ok, err := s.DeadSnapshot(ctx, kind, m.Member)
			if err != nil || !ok {
				continue
			}
			if snap.InstanceUUID == instanceUUID {
				return m.Member, true, nil
			}
		}
		if kind == core.KindProxy {
			ids, err := s.client.SMembers(ctx, proxyUnavailableIndex)
			if err == nil {
				for _, id := range ids {
					entry, ok := s.unavailableEntry(ctx, id)
					if ok && entry.Proxy.InstanceUUID == instanceUUID {
						return id, true, nil
					}
				}
			}
		}
	}

	n, err := s.client.Incr(ctx, seqKey(kind))
	if err != nil {
		return "", false, fmt.Errorf("%w: id sequence: %v", ErrStorage, err)
	}
	return fmt.Sprintf("%s-%d", idPrefix(kind), n), false, nil
}

// Heartbeat applies an inbound heartbeat: status back to AVAILABLE, metrics
// refreshed, sorted-set score bumped to receive time. Scores never regress.
func (s *Store) Heartbeat(ctx context.Context, kind core.Kind, id string, hb *protocol.Heartbeat) error {
	nowMs := s.now().UnixMilli()

	if kind == core.KindProxy {
		rec, err := s.GetProxy(ctx, id)
		if err != nil {
			return err
		}
		rec.Status = core.StatusAvailable
		if nowMs > rec.LastHeartbeatMs {
			rec.LastHeartbeatMs = nowMs
		}
		if err := s.saveProxy(ctx, rec); err != nil {
			return err
		}
		s.clearUnavailable(ctx, id)
	} else {
		rec, err := s.GetServer(ctx, id)
		if err != nil {
			return err
		}
		// Heartbeats restore AVAILABLE, except when the sender declares an
		// explicit operator state.
		switch core.Status(hb.Status) {
		case core.StatusEvacuating, core.StatusFull:
			rec.Status = core.Status(hb.Status)
		default:
			rec.Status = core.StatusAvailable
		}
		if nowMs > rec.LastHeartbeatMs {
			rec.LastHeartbeatMs = nowMs
		}
		rec.PlayerCount = hb.PlayerCount
		rec.TPS = hb.TPS
		if hb.MaxCapacity > 0 {
			rec.MaxCapacity = hb.MaxCapacity
		}
		if err := s.SaveServer(ctx, rec); err != nil {
			return err
		}
	}

	return s.bumpScore(ctx, heartbeatKey(kind), id, float64(nowMs))
}

// bumpScore writes a sorted-set score only if it does not regress.
func (s *Store) bumpScore(ctx context.Context, key, member string, score float64) error {
	prev, ok, err := s.client.ZScore(ctx, key, member)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if ok && prev >= score {
		return nil
	}
	if err := s.client.ZAdd(ctx, key, score, member); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// UpdateStatus sets the status on an identity's record. Proxies flipping to
// UNAVAILABLE additionally get an unavailable entry stamped with the time.
func (s *Store) UpdateStatus(ctx context.Context, kind core.Kind, id string, status core.Status) error {
	if kind == core.KindProxy {
		rec, err := s.GetProxy(ctx, id)
		if err != nil {
			return err
		}
		rec.Status = status
		if err := s.saveProxy(ctx, rec); err != nil {
			return err
		}
		if status == core.StatusUnavailable {
			entry := UnavailableEntry{Proxy: *rec, UnavailableSinceMs: s.now().UnixMilli()}
			data, _ := json.Marshal(entry)
			if err := s.client.Set(ctx, proxyUnavailableKey(id), data, 0); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if err := s.client.SAdd(ctx, proxyUnavailableIndex, id); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		} else {
			s.clearUnavailable(ctx, id)
		}
		return nil
	}

	rec, err := s.GetServer(ctx, id)
	if err != nil {
		return err
	}
	rec.Status = status
	return s.SaveServer(ctx, rec)
}

// Unregister removes an identity from every active structure. Dead entries
// and snapshots are cleared too, so an orderly deregistration leaves nothing.
func (s *Store) Unregister(ctx context.Context, kind core.Kind, id string) error {
	if kind != core.KindProxy {
		if rec, err := s.GetServer(ctx, id); err == nil {
			if rec.Role != "" {
				_ = s.client.SRem(ctx, serverIndexKey(rec.Role), id)
			}
			for _, fam := range rec.Families {
				_ = s.client.SRem(ctx, serverIndexKey(fam.FamilyID), id)
			}
		}
	}
	if err := s.client.Del(ctx, recordKey(kind, id)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.client.ZRem(ctx, heartbeatKey(kind), id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if kind == core.KindProxy {
		s.clearUnavailable(ctx, id)
	}
	if err := s.ClearDead(ctx, kind, id); err != nil {
		return err
	}
	slog.Info("[Registry] Unregistered", "id", id, "kind", kind)
	return nil
}

// GetServer loads one active server record.
func (s *Store) GetServer(ctx context.Context, id string) (*core.ServerRecord, error) {
	data, err := s.client.Get(ctx, serverKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: server %s", ErrUnknownIdentity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var rec core.ServerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal server %s: %w", id, err)
	}
	return &rec, nil
}

// GetProxy loads one active proxy record.
func (s *Store) GetProxy(ctx context.Context, id string) (*core.ProxyRecord, error) {
	data, err := s.client.Get(ctx, proxyActiveKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: proxy %s", ErrUnknownIdentity, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var rec core.ProxyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal proxy %s: %w", id, err)
	}
	return &rec, nil
}

// SaveServer persists a server record. Only the identity's owning writer may
// call this.
func (s *Store) SaveServer(ctx context.Context, rec *core.ServerRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal server %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, serverKey(rec.ID), data, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) saveProxy(ctx context.Context, rec *core.ProxyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal proxy %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, proxyActiveKey(rec.ID), data, 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// LoadServers returns every active server record.
func (s *Store) LoadServers(ctx context.Context) ([]*core.ServerRecord, error) {
	members, err := s.client.ZRangeWithScores(ctx, heartbeatServersKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]*core.ServerRecord, 0, len(members))
	for _, m := range members {
		rec, err := s.GetServer(ctx, m.Member)
		if err != nil {
			slog.Warn("[Registry] Skipping unreadable server", "id", m.Member, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// LoadProxies returns every active proxy record.
func (s *Store) LoadProxies(ctx context.Context) ([]*core.ProxyRecord, error) {
	members, err := s.client.ZRangeWithScores(ctx, heartbeatProxiesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]*core.ProxyRecord, 0, len(members))
	for _, m := range members {
		rec, err := s.GetProxy(ctx, m.Member)
		if err != nil {
			slog.Warn("[Registry] Skipping unreadable proxy", "id", m.Member, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// HeartbeatScores returns member/score pairs from the heartbeat sorted set.
func (s *Store) HeartbeatScores(ctx context.Context, kind core.Kind) ([]storage.ZMember, error) {
	members, err := s.client.ZRangeWithScores(ctx, heartbeatKey(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return members, nil
}

// SetFamilies records the families a backend advertises and maintains the
// family secondary indexes.
func (s *Store) SetFamilies(ctx context.Context, serverID string, descriptors []core.SlotFamilyDescriptor) error {
	rec, err := s.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	for _, old := range rec.Families {
		_ = s.client.SRem(ctx, serverIndexKey(old.FamilyID), serverID)
	}
	rec.Families = descriptors
	for _, d := range descriptors {
		if err := s.client.SAdd(ctx, serverIndexKey(d.FamilyID), serverID); err != nil {
			slog.Warn("[Registry] Failed to index family", "family", d.FamilyID, "error", err)
		}
	}
	return s.SaveServer(ctx, rec)
}

// MarkDead transitions an identity to DEAD: snapshot with TTL, removal from
// the active structures, entry in the dead sorted set. Returns the identity
// as last seen, for bus notification.
func (s *Store) MarkDead(ctx context.Context, kind core.Kind, id string) (*core.Identity, error) {
	nowMs := s.now().UnixMilli()

	var ident core.Identity
	if kind == core.KindProxy {
		rec, err := s.GetProxy(ctx, id)
		if err != nil {
			return nil, err
		}
		rec.Status = core.StatusDead
		ident = rec.Identity
		if err := s.storeSnapshot(ctx, kind, id, rec); err != nil {
			return nil, err
		}
	} else {
		rec, err := s.GetServer(ctx, id)
		if err != nil {
			return nil, err
		}
		rec.Status = core.StatusDead
		ident = rec.Identity
		ident.Status = core.StatusDead
		if err := s.storeSnapshot(ctx, kind, id, rec); err != nil {
			return nil, err
		}
		if rec.Role != "" {
			_ = s.client.SRem(ctx, serverIndexKey(rec.Role), id)
		}
		for _, fam := range rec.Families {
			_ = s.client.SRem(ctx, serverIndexKey(fam.FamilyID), id)
		}
	}

	if err := s.client.Del(ctx, recordKey(kind, id)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.client.ZRem(ctx, heartbeatKey(kind), id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if kind == core.KindProxy {
		s.clearUnavailable(ctx, id)
	}
	if err := s.client.ZAdd(ctx, deadKey(kind), float64(nowMs), id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	ident.Status = core.StatusDead
	return &ident, nil
}

func (s *Store) storeSnapshot(ctx context.Context, kind core.Kind, id string, rec any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", id, err)
	}
	if err := s.client.Set(ctx, snapshotKey(kind, id), data, s.snapshotTTL); err != nil {
		return fmt.Errorf("%w: snapshot: %v", ErrStorage, err)
	}
	return nil
}

// DeadIDs lists the dead sorted set: member=id, score=deadSinceMs.
func (s *Store) DeadIDs(ctx context.Context, kind core.Kind) ([]storage.ZMember, error) {
	members, err := s.client.ZRangeWithScores(ctx, deadKey(kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return members, nil
}

// DeadSnapshot loads a dead identity's snapshot if it is still within TTL.
// The identity portion is sufficient for reclaim and inspection; callers
// needing the full server shape unmarshal the raw form themselves.
func (s *Store) DeadSnapshot(ctx context.Context, kind core.Kind, id string) (*core.Identity, bool, error) {
	data, err := s.client.Get(ctx, snapshotKey(kind, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var ident core.Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot %s: %w", id, err)
	}
	return &ident, true, nil
}

// ClearDead removes both the dead sorted-set entry and the snapshot key.
func (s *Store) ClearDead(ctx context.Context, kind core.Kind, id string) error {
	if err := s.client.ZRem(ctx, deadKey(kind), id); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.client.Del(ctx, snapshotKey(kind, id)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// UnavailableProxies lists the unavailable proxy entries for the inspector.
func (s *Store) UnavailableProxies(ctx context.Context) ([]UnavailableEntry, error) {
	ids, err := s.client.SMembers(ctx, proxyUnavailableIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	out := make([]UnavailableEntry, 0, len(ids))
	for _, id := range ids {
		if entry, ok := s.unavailableEntry(ctx, id); ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *Store) unavailableEntry(ctx context.Context, id string) (UnavailableEntry, bool) {
	var entry UnavailableEntry
	data, err := s.client.Get(ctx, proxyUnavailableKey(id))
	if err != nil {
		return entry, false
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, false
	}
	return entry, true
}

func (s *Store) clearUnavailable(ctx context.Context, id string) {
	_ = s.client.Del(ctx, proxyUnavailableKey(id))
	_ = s.client.SRem(ctx, proxyUnavailableIndex, id)
}

func (s *Store) loadIdentity(ctx context.Context, kind core.Kind, id string) (*core.Identity, error) {
	data, err := s.client.Get(ctx, recordKey(kind, id))
	if err != nil {
		return nil, err
	}
	var ident core.Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}
