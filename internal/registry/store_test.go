package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

// fakeClock drives both the store and the memory backend so TTL expiry and
// heartbeat scores stay consistent.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T) (*Store, *storage.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := storage.NewMemory()
	mem.Now = clock.Now
	store := NewStore(mem, DefaultSnapshotTTL)
	store.SetClock(clock.Now)
	return store, mem, clock
}

func gameRegisterReq(uuid string) *protocol.RegisterRequest {
	return &protocol.RegisterRequest{
		TempID:       "temp-" + uuid,
		InstanceUUID: uuid,
		Address:      "10.0.0.5",
		Port:         25565,
		Kind:         string(core.KindGame),
		Role:         "minigames",
		MaxCapacity:  100,
		Slots: []protocol.SlotDefinition{
			{SlotSuffix: "slot-1", MaxPlayers: 16},
			{SlotSuffix: "slot-2", MaxPlayers: 16},
		},
	}
}

func proxyRegisterReq(uuid string) *protocol.RegisterRequest {
	return &protocol.RegisterRequest{
		TempID:       "temp-" + uuid,
		InstanceUUID: uuid,
		Address:      "10.0.0.9",
		Port:         25577,
		Kind:         string(core.KindProxy),
	}
}

func TestRegisterMintsSequentialIDs(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	r1, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	r2, err := store.Register(ctx, gameRegisterReq("uuid-b"))
	require.NoError(t, err)
	p1, err := store.Register(ctx, proxyRegisterReq("uuid-c"))
	require.NoError(t, err)

	assert.Equal(t, "game-1", r1.ID)
	assert.False(t, r1.Reclaimed)
	assert.Equal(t, "game-2", r2.ID)
	assert.Equal(t, "proxy-1", p1.ID)
}

func TestRegisterWritesFullRecord(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	rec, err := store.GetServer(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAvailable, rec.Status)
	assert.Equal(t, "REGISTERED", rec.RegistrationState)
	assert.Equal(t, clock.Now().UnixMilli(), rec.LastHeartbeatMs)
	require.Len(t, rec.Slots, 2)
	slot := rec.Slots["slot-1"]
	require.NotNil(t, slot)
	assert.Equal(t, result.ID+":slot-1", slot.SlotID)
	assert.Equal(t, result.ID, slot.OwnerServerID)
	assert.Equal(t, core.SlotAvailable, slot.Status)
}

func TestReclaimWithinWindow(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	_, err = store.MarkDead(ctx, core.KindGame, result.ID)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	again, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	assert.Equal(t, result.ID, again.ID)
	assert.True(t, again.Reclaimed)

	// Active and dead views must be disjoint after reclaim.
	dead, err := store.DeadIDs(ctx, core.KindGame)
	require.NoError(t, err)
	assert.Empty(t, dead)
	_, err = store.GetServer(ctx, result.ID)
	assert.NoError(t, err)
}

func TestReclaimWindowExpires(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	_, err = store.MarkDead(ctx, core.KindGame, result.ID)
	require.NoError(t, err)

	// Past the snapshot TTL the id is no longer reclaimable.
	clock.Advance(DefaultSnapshotTTL + time.Second)
	again, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	assert.NotEqual(t, result.ID, again.ID)
	assert.False(t, again.Reclaimed)
}

func TestReclaimDeniedWhileUUIDActive(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	_, err = store.Register(ctx, gameRegisterReq("uuid-a"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReclaimDenied)
}

func TestProxyReclaimFromUnavailable(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, proxyRegisterReq("uuid-p"))
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, core.KindProxy, result.ID, core.StatusUnavailable))
	// An unavailable proxy still holds its uuid, so a fresh register with the
	// same uuid must be refused while the entry is active.
	_, err = store.Register(ctx, proxyRegisterReq("uuid-p"))
	assert.ErrorIs(t, err, ErrReclaimDenied)

	// Once dead, the uuid match reclaims the id.
	_, err = store.MarkDead(ctx, core.KindProxy, result.ID)
	require.NoError(t, err)
	again, err := store.Register(ctx, proxyRegisterReq("uuid-p"))
	require.NoError(t, err)
	assert.Equal(t, result.ID, again.ID)
	assert.True(t, again.Reclaimed)
}

func TestHeartbeatUpdatesRecordAndScore(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	hb := &protocol.Heartbeat{
		ServerID:    result.ID,
		PlayerCount: 17,
		TPS:         19.5,
		MaxCapacity: 120,
		Status:      string(core.StatusAvailable),
		Timestamp:   clock.Now().UnixMilli(),
	}
	require.NoError(t, store.Heartbeat(ctx, core.KindGame, result.ID, hb))

	rec, err := store.GetServer(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, 17, rec.PlayerCount)
	assert.Equal(t, 19.5, rec.TPS)
	assert.Equal(t, 120, rec.MaxCapacity)
	assert.Equal(t, clock.Now().UnixMilli(), rec.LastHeartbeatMs)

	scores, err := store.HeartbeatScores(ctx, core.KindGame)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, float64(clock.Now().UnixMilli()), scores[0].Score)
}

func TestHeartbeatScoreNeverRegresses(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	hb := &protocol.Heartbeat{ServerID: result.ID, Status: string(core.StatusAvailable)}
	require.NoError(t, store.Heartbeat(ctx, core.KindGame, result.ID, hb))

	high := clock.Now().UnixMilli()

	// A heartbeat processed with a rewound clock must not lower the score.
	clock.Advance(-3 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, core.KindGame, result.ID, hb))

	scores, err := store.HeartbeatScores(ctx, core.KindGame)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, float64(high), scores[0].Score)
}

func TestHeartbeatUnknownIdentity(t *testing.T) {
	store, _, _ := newTestStore(t)
	err := store.Heartbeat(context.Background(), core.KindGame, "game-404", &protocol.Heartbeat{ServerID: "game-404"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestHeartbeatPreservesDeclaredOperatorState(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	// Node draining: declares EVACUATING in its heartbeat.
	hb := &protocol.Heartbeat{ServerID: result.ID, Status: string(core.StatusEvacuating)}
	require.NoError(t, store.Heartbeat(ctx, core.KindGame, result.ID, hb))
	rec, err := store.GetServer(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEvacuating, rec.Status)

	// Back to normal: heartbeat restores AVAILABLE.
	hb.Status = string(core.StatusAvailable)
	require.NoError(t, store.Heartbeat(ctx, core.KindGame, result.ID, hb))
	rec, err = store.GetServer(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAvailable, rec.Status)
}

func TestProxyHeartbeatClearsUnavailable(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, proxyRegisterReq("uuid-p"))
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, core.KindProxy, result.ID, core.StatusUnavailable))

	entries, err := store.UnavailableProxies(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.ID, entries[0].Proxy.ID)
	assert.NotZero(t, entries[0].UnavailableSinceMs)

	require.NoError(t, store.Heartbeat(ctx, core.KindProxy, result.ID, &protocol.Heartbeat{ServerID: result.ID}))
	entries, err = store.UnavailableProxies(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	rec, err := store.GetProxy(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAvailable, rec.Status)
}

func TestMarkDeadMovesIdentityToDeadStructures(t *testing.T) {
	store, mem, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	require.NoError(t, store.SetFamilies(ctx, result.ID, []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", PlayerEquivalentFactor: 10},
	}))

	ident, err := store.MarkDead(ctx, core.KindGame, result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ID, ident.ID)
	assert.Equal(t, core.StatusDead, ident.Status)

	// Gone from the active structures.
	_, err = store.GetServer(ctx, result.ID)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	servers, err := store.LoadServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)
	members, err := mem.SMembers(ctx, serverIndexKey("skywars"))
	require.NoError(t, err)
	assert.Empty(t, members)
	members, err = mem.SMembers(ctx, serverIndexKey("minigames"))
	require.NoError(t, err)
	assert.Empty(t, members)

	// Present in the dead structures with the death timestamp.
	dead, err := store.DeadIDs(ctx, core.KindGame)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, result.ID, dead[0].Member)
	assert.Equal(t, float64(clock.Now().UnixMilli()), dead[0].Score)

	snap, ok, err := store.DeadServerSnapshot(ctx, result.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.StatusDead, snap.Status)
	require.Len(t, snap.Families, 1)
}

func TestDeadSnapshotExpires(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	_, err = store.MarkDead(ctx, core.KindGame, result.ID)
	require.NoError(t, err)

	clock.Advance(DefaultSnapshotTTL + time.Second)
	_, ok, err := store.DeadServerSnapshot(ctx, result.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// The dead zset entry outlives the snapshot until reaped or reclaimed.
	dead, err := store.DeadIDs(ctx, core.KindGame)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestUnregisterRemovesEverything(t *testing.T) {
	store, mem, _ := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)
	require.NoError(t, store.SetFamilies(ctx, result.ID, []core.SlotFamilyDescriptor{
		{FamilyID: "bedwars", PlayerEquivalentFactor: 10},
	}))

	require.NoError(t, store.Unregister(ctx, core.KindGame, result.ID))

	_, err = store.GetServer(ctx, result.ID)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	scores, err := store.HeartbeatScores(ctx, core.KindGame)
	require.NoError(t, err)
	assert.Empty(t, scores)
	dead, err := store.DeadIDs(ctx, core.KindGame)
	require.NoError(t, err)
	assert.Empty(t, dead)
	members, err := mem.SMembers(ctx, serverIndexKey("bedwars"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSetFamiliesReindexes(t *testing.T) {
	store, mem, _ := newTestStore(t)
	ctx := context.Background()

	result, err := store.Register(ctx, gameRegisterReq("uuid-a"))
	require.NoError(t, err)

	require.NoError(t, store.SetFamilies(ctx, result.ID, []core.SlotFamilyDescriptor{
		{FamilyID: "skywars", VariantID: "solo", PlayerEquivalentFactor: 10},
	}))
	members, err := mem.SMembers(ctx, serverIndexKey("skywars"))
	require.NoError(t, err)
	assert.Equal(t, []string{result.ID}, members)

	// Re-advertising replaces the previous index entries.
	require.NoError(t, store.SetFamilies(ctx, result.ID, []core.SlotFamilyDescriptor{
		{FamilyID: "bedwars", PlayerEquivalentFactor: 12},
	}))
	members, err = mem.SMembers(ctx, serverIndexKey("skywars"))
	require.NoError(t, err)
	assert.Empty(t, members)
	members, err = mem.SMembers(ctx, serverIndexKey("bedwars"))
	require.NoError(t, err)
	assert.Equal(t, []string{result.ID}, members)

	rec, err := store.GetServer(ctx, result.ID)
	require.NoError(t, err)
	require.Len(t, rec.Families, 1)
	assert.Equal(t, "bedwars", rec.Families[0].FamilyID)
}
