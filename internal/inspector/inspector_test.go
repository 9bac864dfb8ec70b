package inspector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
	"github.com/fulcrum-net/fulcrum/internal/registry"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

type fixture struct {
	store *registry.Store
	insp  *Inspector
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	mem := storage.NewMemory()
	mem.Now = func() time.Time { return f.now }
	f.store = registry.NewStore(mem, 0)
	f.store.SetClock(func() time.Time { return f.now })
	f.insp = New(f.store)
	return f
}

func (f *fixture) register(t *testing.T, kind core.Kind, uuid string) string {
	t.Helper()
	result, err := f.store.Register(context.Background(), &protocol.RegisterRequest{
		TempID:       "temp-" + uuid,
		InstanceUUID: uuid,
		Address:      "10.0.0.1",
		Port:         25565,
		Kind:         string(kind),
		MaxCapacity:  50,
		Slots: []protocol.SlotDefinition{
			{SlotSuffix: "slot-1", MaxPlayers: 8},
		},
	})
	require.NoError(t, err)
	return result.ID
}

func TestServerViewsMergeActiveAndDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alive := f.register(t, core.KindGame, "uuid-a")
	doomed := f.register(t, core.KindGame, "uuid-b")
	_, err := f.store.MarkDead(ctx, core.KindGame, doomed)
	require.NoError(t, err)

	views := f.insp.ServerViews(ctx)
	require.Len(t, views, 2)

	byID := map[string]ServerView{}
	for _, v := range views {
		byID[v.Snapshot.ID] = v
	}

	assert.False(t, byID[alive].RecentlyDead)
	assert.Equal(t, core.StatusAvailable, byID[alive].Snapshot.Status)

	deadView := byID[doomed]
	assert.True(t, deadView.RecentlyDead)
	assert.Equal(t, f.now.UnixMilli(), deadView.DeadSinceMs)
	assert.Equal(t, core.StatusDead, deadView.Snapshot.Status)
	// The snapshot carries the full record, slots included.
	assert.Len(t, deadView.Snapshot.Slots, 1)
}

func TestServerViewsPlaceholderWhenSnapshotExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doomed := f.register(t, core.KindGame, "uuid-a")
	_, err := f.store.MarkDead(ctx, core.KindGame, doomed)
	require.NoError(t, err)

	// Snapshot TTL elapses; the dead zset entry remains.
	f.now = f.now.Add(registry.DefaultSnapshotTTL + time.Second)

	views := f.insp.ServerViews(ctx)
	require.Len(t, views, 1)
	v := views[0]
	assert.True(t, v.RecentlyDead)
	require.NotNil(t, v.Snapshot)
	assert.Equal(t, doomed, v.Snapshot.ID)
	assert.Equal(t, core.StatusDead, v.Snapshot.Status)
	assert.Empty(t, v.Snapshot.Slots)
}

func TestProxyViewsCarryUnavailableSince(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.register(t, core.KindProxy, "uuid-p")
	require.NoError(t, f.store.UpdateStatus(ctx, core.KindProxy, id, core.StatusUnavailable))

	views := f.insp.ProxyViews(ctx)
	require.Len(t, views, 1)
	assert.Equal(t, id, views[0].ProxyID)
	assert.Equal(t, core.StatusUnavailable, views[0].Status)
	assert.Equal(t, f.now.UnixMilli(), views[0].UnavailableSince)
}

func TestProxyViewsIncludeDead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.register(t, core.KindProxy, "uuid-p")
	_, err := f.store.MarkDead(ctx, core.KindProxy, id)
	require.NoError(t, err)

	views := f.insp.ProxyViews(ctx)
	require.Len(t, views, 1)
	assert.True(t, views[0].RecentlyDead)
	assert.Equal(t, core.StatusDead, views[0].Status)
	// Address survives via the snapshot.
	assert.Equal(t, "10.0.0.1", views[0].Address)
}

func TestSummaryCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s1 := f.register(t, core.KindGame, "uuid-a")
	f.register(t, core.KindProxy, "uuid-p")
	doomed := f.register(t, core.KindGame, "uuid-b")
	_, err := f.store.MarkDead(ctx, core.KindGame, doomed)
	require.NoError(t, err)

	// Put players on the surviving server.
	require.NoError(t, f.store.Heartbeat(ctx, core.KindGame, s1, &protocol.Heartbeat{
		ServerID:    s1,
		PlayerCount: 12,
		Status:      string(core.StatusAvailable),
	}))

	sum := f.insp.Summary(ctx)
	assert.Equal(t, 1, sum.Servers)
	assert.Equal(t, 1, sum.Proxies)
	assert.Equal(t, 1, sum.DeadServers)
	assert.Equal(t, 0, sum.DeadProxies)
	assert.Equal(t, 12, sum.TotalPlayers)
	assert.Equal(t, 1, sum.SlotsAvailable)
	assert.Equal(t, 0, sum.SlotsOccupied)
}
