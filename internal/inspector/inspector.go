// Package inspector produces read-only aggregate views over the registry
// and dead snapshots for operator tooling. All reads are lock-free and
// tolerate partial data: a dead id with an expired snapshot still shows up,
// as a DEAD placeholder.
package inspector

import (
	"context"
	"log/slog"
	"sort"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/registry"
)

// ServerView is one row of the fleet's server listing.
type ServerView struct {
	Snapshot     *core.ServerRecord `json:"snapshot"`
	RecentlyDead bool               `json:"recentlyDead"`
	DeadSinceMs  int64              `json:"deadSince,omitempty"`
}

// ProxyView is one row of the fleet's proxy listing.
type ProxyView struct {
	ProxyID           string      `json:"proxyId"`
	Address           string      `json:"address"`
	Port              int         `json:"port"`
	Status            core.Status `json:"status"`
	RegistrationState string      `json:"registrationState"`
	LastHeartbeatMs   int64       `json:"lastHeartbeat"`
	RecentlyDead      bool        `json:"recentlyDead"`
	DeadSinceMs       int64       `json:"deadSince,omitempty"`
	UnavailableSince  int64       `json:"unavailableSince,omitempty"`
	Version           string      `json:"version,omitempty"`
}

// Inspector reads fleet state from a registry store.
type Inspector struct {
	store *registry.Store
}

// New creates an inspector over a store.
func New(store *registry.Store) *Inspector {
	return &Inspector{store: store}
}

// ServerViews merges active servers with recently-dead snapshots. Storage
// failures degrade to an empty listing.
func (in *Inspector) ServerViews(ctx context.Context) []ServerView {
	var views []ServerView

	active, err := in.store.LoadServers(ctx)
	if err != nil {
		slog.Warn("[Inspector] Server listing unavailable", "error", err)
		return nil
	}
	for _, rec := range active {
		views = append(views, ServerView{Snapshot: rec})
	}

	dead, err := in.store.DeadIDs(ctx, core.KindGame)
	if err != nil {
		slog.Warn("[Inspector] Dead server listing unavailable", "error", err)
	}
	for _, m := range dead {
		view := ServerView{RecentlyDead: true, DeadSinceMs: int64(m.Score)}
		snap, ok, err := in.store.DeadServerSnapshot(ctx, m.Member)
		if err != nil || !ok {
			// Snapshot expired or unreadable: placeholder with the id and
			// DEAD status so the row is still visible.
			view.Snapshot = &core.ServerRecord{Identity: core.Identity{
				ID:     m.Member,
				Kind:   core.KindGame,
				Status: core.StatusDead,
			}}
		} else {
			view.Snapshot = snap
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].Snapshot.ID < views[j].Snapshot.ID
	})
	return views
}

// ProxyViews merges active proxies, unavailable entries, and recently-dead
// snapshots.
func (in *Inspector) ProxyViews(ctx context.Context) []ProxyView {
	var views []ProxyView

	active, err := in.store.LoadProxies(ctx)
	if err != nil {
		slog.Warn("[Inspector] Proxy listing unavailable", "error", err)
		return nil
	}

	unavailableSince := make(map[string]int64)
	if entries, err := in.store.UnavailableProxies(ctx); err == nil {
		for _, e := range entries {
			unavailableSince[e.Proxy.ID] = e.UnavailableSinceMs
		}
	} else {
		slog.Warn("[Inspector] Unavailable proxy listing unavailable", "error", err)
	}

	for _, rec := range active {
		views = append(views, ProxyView{
			ProxyID:           rec.ID,
			Address:           rec.Address,
			Port:              rec.Port,
			Status:            rec.Status,
			RegistrationState: rec.RegistrationState,
			LastHeartbeatMs:   rec.LastHeartbeatMs,
			UnavailableSince:  unavailableSince[rec.ID],
			Version:           rec.Version,
		})
	}

	dead, err := in.store.DeadIDs(ctx, core.KindProxy)
	if err != nil {
		slog.Warn("[Inspector] Dead proxy listing unavailable", "error", err)
	}
	for _, m := range dead {
		view := ProxyView{
			ProxyID:      m.Member,
			Status:       core.StatusDead,
			RecentlyDead: true,
			DeadSinceMs:  int64(m.Score),
		}
		if snap, ok, err := in.store.DeadProxySnapshot(ctx, m.Member); err == nil && ok {
			view.Address = snap.Address
			view.Port = snap.Port
			view.RegistrationState = snap.RegistrationState
			view.LastHeartbeatMs = snap.LastHeartbeatMs
			view.Version = snap.Version
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].ProxyID < views[j].ProxyID })
	return views
}

// FleetSummary is the roll-up used by the ops API and console.
type FleetSummary struct {
	Servers        int `json:"servers"`
	Proxies        int `json:"proxies"`
	DeadServers    int `json:"deadServers"`
	DeadProxies    int `json:"deadProxies"`
	TotalPlayers   int `json:"totalPlayers"`
	SlotsAvailable int `json:"slotsAvailable"`
	SlotsOccupied  int `json:"slotsOccupied"`
}

// Summary aggregates counts across the fleet.
func (in *Inspector) Summary(ctx context.Context) FleetSummary {
	var sum FleetSummary

	servers, err := in.store.LoadServers(ctx)
	if err == nil {
		sum.Servers = len(servers)
		for _, rec := range servers {
			sum.TotalPlayers += rec.PlayerCount
			for _, slot := range rec.Slots {
				switch slot.Status {
				case core.SlotAvailable:
					sum.SlotsAvailable++
				case core.SlotOccupied:
					sum.SlotsOccupied++
				}
			}
		}
	}
	if proxies, err := in.store.LoadProxies(ctx); err == nil {
		sum.Proxies = len(proxies)
	}
	if dead, err := in.store.DeadIDs(ctx, core.KindGame); err == nil {
		sum.DeadServers = len(dead)
	}
	if dead, err := in.store.DeadIDs(ctx, core.KindProxy); err == nil {
		sum.DeadProxies = len(dead)
	}
	return sum
}
