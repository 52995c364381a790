package main

import (
	"context"
	"time"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/store"
)

// reconciler periodically repairs the persisted participant counters against
// live websocket occupancy. Counter drift accumulates when best-effort
// adjustments fail mid-flight or the broker restarts with rows left behind.
type reconciler struct {
	store    *store.Store
	registry *registry.Registry
	interval time.Duration
	log      *logging.Logger
}

func newReconciler(st *store.Store, reg *registry.Registry, interval time.Duration, logger *logging.Logger) *reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logging.L()
	}
	return &reconciler{store: st, registry: reg, interval: interval, log: logger}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep compares each persisted counter with live occupancy. A mismatch is
// re-read immediately before the overwrite so a join or leave landing between
// the two reads does not get clobbered with a stale count.
func (r *reconciler) sweep(ctx context.Context) {
	rooms, err := r.store.Rooms(ctx)
	if err != nil {
		r.log.Warn("reconcile sweep skipped", logging.Error(err))
		return
	}
	repaired := 0
	for _, room := range rooms {
		live := r.registry.RoomOccupancy(room.ID)
		if room.ParticipantCount == live {
			continue
		}
		verified := r.registry.RoomOccupancy(room.ID)
		if verified == room.ParticipantCount {
			continue
		}
		if err := r.store.SetParticipants(ctx, room.ID, verified); err != nil {
			r.log.Warn("participant repair failed",
				logging.String("room_id", room.ID.String()), logging.Error(err))
			continue
		}
		repaired++
		r.log.Info("participant counter repaired",
			logging.String("room_id", room.ID.String()),
			logging.Int("persisted", room.ParticipantCount),
			logging.Int("live", verified),
		)
	}
	if repaired > 0 {
		r.log.Info("reconcile sweep finished", logging.Int("repaired", repaired))
	}
}
