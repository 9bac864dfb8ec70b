package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/monitoring"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
)

// Notifier is the slice of the bus the sweeper needs. Kept minimal so the
// sweeper is testable with a recording fake.
type Notifier interface {
	Broadcast(msgType string, payload any) error
}

// SweeperConfig holds the classification thresholds.
type SweeperConfig struct {
	Period             time.Duration
	UnavailableTimeout time.Duration
	DeadTimeout        time.Duration
}

// DefaultSweeperConfig returns the contract defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Period:             1 * time.Second,
		UnavailableTimeout: 5 * time.Second,
		DeadTimeout:        30 * time.Second,
	}
}

// Sweeper is the periodic task that classifies every registered identity by
// heartbeat age: AVAILABLE → UNAVAILABLE → DEAD. It is idempotent; a missed
// tick just widens the observed gap on the next pass. Storage errors are
// logged and skipped, never retried inline.
type Sweeper struct {
	store    *Store
	notifier Notifier
	metrics  *monitoring.Metrics
	cfg      SweeperConfig

	now  func() time.Time
	stop chan struct{}
}

// NewSweeper creates a sweeper. notifier and metrics may be nil.
func NewSweeper(store *Store, notifier Notifier, metrics *monitoring.Metrics, cfg SweeperConfig) *Sweeper {
	if cfg.Period <= 0 {
		cfg.Period = 1 * time.Second
	}
	if cfg.UnavailableTimeout <= 0 {
		cfg.UnavailableTimeout = 5 * time.Second
	}
	if cfg.DeadTimeout <= 0 {
		cfg.DeadTimeout = 30 * time.Second
	}
	return &Sweeper{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// SetClock overrides the sweeper's clock. Test hook.
func (sw *Sweeper) SetClock(now func() time.Time) { sw.now = now }

// Run ticks until Stop or ctx cancellation. Errors never stop the loop.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.Period)
	defer ticker.Stop()

	slog.Info("[Sweeper] Started", "period", sw.cfg.Period,
		"unavailableAfter", sw.cfg.UnavailableTimeout, "deadAfter", sw.cfg.DeadTimeout)
	for {
		select {
		case <-ticker.C:
			sw.Sweep(ctx)
		case <-sw.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop terminates the run loop.
func (sw *Sweeper) Stop() {
	select {
	case <-sw.stop:
	default:
		close(sw.stop)
	}
}

// Sweep runs one classification pass over both kinds.
func (sw *Sweeper) Sweep(ctx context.Context) {
	sw.sweepKind(ctx, core.KindGame)
	sw.sweepKind(ctx, core.KindProxy)
}

func (sw *Sweeper) sweepKind(ctx context.Context, kind core.Kind) {
	scores, err := sw.store.HeartbeatScores(ctx, kind)
	if err != nil {
		slog.Warn("[Sweeper] Skipping pass, heartbeat scores unreadable", "kind", kind, "error", err)
		if sw.metrics != nil {
			sw.metrics.SweeperErrors.Inc()
		}
		return
	}

	nowMs := sw.now().UnixMilli()
	statusCounts := make(map[core.Status]int)
	slotCounts := make(map[core.SlotStatus]int)

	for _, m := range scores {
		delta := time.Duration(nowMs-int64(m.Score)) * time.Millisecond

		switch {
		case delta >= sw.cfg.DeadTimeout:
			sw.markDead(ctx, kind, m.Member, delta)
			statusCounts[core.StatusDead]++

		case delta >= sw.cfg.UnavailableTimeout:
			status := sw.classify(ctx, kind, m.Member, core.StatusUnavailable, delta)
			statusCounts[status]++

		default:
			status := sw.classify(ctx, kind, m.Member, core.StatusAvailable, delta)
			statusCounts[status]++
			if kind == core.KindGame {
				sw.countSlots(ctx, m.Member, slotCounts)
			}
		}
	}

	sw.evictExpiredDead(ctx, kind, nowMs)
	sw.updateGauges(kind, statusCounts, slotCounts)
}

// evictExpiredDead removes dead-set entries whose reclaim grace window has
// lapsed. The snapshot key expires on its own TTL; without this pass the
// sorted-set entry would outlive it forever.
func (sw *Sweeper) evictExpiredDead(ctx context.Context, kind core.Kind, nowMs int64) {
	dead, err := sw.store.DeadIDs(ctx, kind)
	if err != nil {
		slog.Warn("[Sweeper] Dead set unreadable", "kind", kind, "error", err)
		if sw.metrics != nil {
			sw.metrics.SweeperErrors.Inc()
		}
		return
	}

	graceMs := sw.store.SnapshotTTL().Milliseconds()
	for _, m := range dead {
		if nowMs-int64(m.Score) < graceMs {
			continue
		}
		if err := sw.store.ClearDead(ctx, kind, m.Member); err != nil {
			slog.Warn("[Sweeper] Dead entry eviction failed", "kind", kind, "id", m.Member, "error", err)
			if sw.metrics != nil {
				sw.metrics.SweeperErrors.Inc()
			}
			continue
		}
		slog.Info("[Sweeper] Dead entry evicted after grace window", "kind", kind, "id", m.Member)
	}
}

// classify applies a status derived from heartbeat age, preserving explicit
// operator states (EVACUATING, FULL). Logs once per transition.
func (sw *Sweeper) classify(ctx context.Context, kind core.Kind, id string, want core.Status, delta time.Duration) core.Status {
	current, err := sw.currentStatus(ctx, kind, id)
	if err != nil {
		slog.Warn("[Sweeper] Record unreadable", "kind", kind, "id", id, "error", err)
		if sw.metrics != nil {
			sw.metrics.SweeperErrors.Inc()
		}
		return want
	}
	if current == want || current == core.StatusEvacuating || current == core.StatusFull {
		return current
	}

	if err := sw.store.UpdateStatus(ctx, kind, id, want); err != nil {
		slog.Warn("[Sweeper] Status update failed", "kind", kind, "id", id, "error", err)
		if sw.metrics != nil {
			sw.metrics.SweeperErrors.Inc()
		}
		return current
	}
	if want == core.StatusUnavailable {
		slog.Warn("[Sweeper] Identity unavailable", "kind", kind, "id", id, "sinceHeartbeat", delta)
	} else {
		slog.Info("[Sweeper] Identity recovered", "kind", kind, "id", id)
	}
	if sw.metrics != nil {
		sw.metrics.SweeperTransitions.WithLabelValues(string(kind), string(want)).Inc()
	}
	return want
}

func (sw *Sweeper) markDead(ctx context.Context, kind core.Kind, id string, delta time.Duration) {
	ident, err := sw.store.MarkDead(ctx, kind, id)
	if err != nil {
		slog.Warn("[Sweeper] MarkDead failed", "kind", kind, "id", id, "error", err)
		if sw.metrics != nil {
			sw.metrics.SweeperErrors.Inc()
		}
		return
	}
	slog.Warn("[Sweeper] Identity dead", "kind", kind, "id", id, "sinceHeartbeat", delta)
	if sw.metrics != nil {
		sw.metrics.SweeperTransitions.WithLabelValues(string(kind), string(core.StatusDead)).Inc()
	}

	if sw.notifier == nil {
		return
	}
	msgType := protocol.TypeServerDeregistered
	if kind == core.KindProxy {
		msgType = protocol.TypeProxyDead
	}
	payload := &protocol.IdentityDead{
		ID:          ident.ID,
		Kind:        string(kind),
		DeadSinceMs: sw.now().UnixMilli(),
		Reason:      "heartbeat timeout",
	}
	if err := sw.notifier.Broadcast(msgType, payload); err != nil {
		slog.Warn("[Sweeper] Dead notification failed", "id", id, "error", err)
	}
}

func (sw *Sweeper) currentStatus(ctx context.Context, kind core.Kind, id string) (core.Status, error) {
	if kind == core.KindProxy {
		rec, err := sw.store.GetProxy(ctx, id)
		if err != nil {
			return "", err
		}
		return rec.Status, nil
	}
	rec, err := sw.store.GetServer(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (sw *Sweeper) countSlots(ctx context.Context, id string, counts map[core.SlotStatus]int) {
	rec, err := sw.store.GetServer(ctx, id)
	if err != nil {
		return
	}
	for _, slot := range rec.Slots {
		counts[slot.Status]++
	}
}

func (sw *Sweeper) updateGauges(kind core.Kind, statuses map[core.Status]int, slots map[core.SlotStatus]int) {
	if sw.metrics == nil {
		return
	}
	for _, st := range []core.Status{core.StatusAvailable, core.StatusUnavailable, core.StatusDead, core.StatusEvacuating, core.StatusFull} {
		sw.metrics.FleetIdentities.WithLabelValues(string(kind), string(st)).Set(float64(statuses[st]))
	}
	if kind == core.KindGame {
		for _, st := range []core.SlotStatus{core.SlotAvailable, core.SlotOccupied, core.SlotEvacuating, core.SlotDead} {
			sw.metrics.SlotsByStatus.WithLabelValues(string(st)).Set(float64(slots[st]))
		}
	}
}
