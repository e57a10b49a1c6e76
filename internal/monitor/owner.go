// Package monitor implements the probing and escalation core: per-target
// probing loops, the two-stage alert state machine, the owned-set
// reconciler, and startup recovery.
package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// OwnerStore defines the storage interface for the owner reconciler.
type OwnerStore interface {
	GetActiveTargetIDs(ctx context.Context, shardIndex int) (map[int64]struct{}, error)
}

// OwnedSet is the prober's view of the reconciler: a point-in-time
// consistent snapshot of the target ids this replica should be probing.
type OwnedSet interface {
	Owns(targetID int64) bool
}

// OwnerReconcilerConfig holds configuration for the owner reconciler.
type OwnerReconcilerConfig struct {
	// ShardIndex is this replica's index; only targets bound to it are owned.
	ShardIndex int

	// RefreshInterval is how often the owned set is re-read from the store.
	RefreshInterval time.Duration
}

// DefaultOwnerReconcilerConfig returns sensible defaults.
func DefaultOwnerReconcilerConfig(shardIndex int) OwnerReconcilerConfig {
	return OwnerReconcilerConfig{
		ShardIndex:      shardIndex,
		RefreshInterval: time.Second,
	}
}

// OwnerReconciler periodically reads the set of active targets assigned to
// this replica's shard and publishes it as an atomically-swapped snapshot.
// Probers consult the snapshot each tick and exit when their target id is
// absent; that is the only cancellation signal they receive.
type OwnerReconciler struct {
	store  OwnerStore
	config OwnerReconcilerConfig
	logger *slog.Logger
	stopCh chan struct{}

	// owned holds a map[int64]struct{} replaced wholesale on refresh.
	// Readers never observe a partial set.
	owned atomic.Value
}

// NewOwnerReconciler creates a new owner reconciler.
func NewOwnerReconciler(store OwnerStore, config OwnerReconcilerConfig, logger *slog.Logger) *OwnerReconciler {
	r := &OwnerReconciler{
		store:  store,
		config: config,
		logger: logger.With("component", "owner_reconciler"),
		stopCh: make(chan struct{}),
	}
	r.owned.Store(map[int64]struct{}{})
	return r
}

// Owns reports whether the target is currently owned by this replica.
func (r *OwnerReconciler) Owns(targetID int64) bool {
	set := r.owned.Load().(map[int64]struct{})
	_, ok := set[targetID]
	return ok
}

// Refresh replaces the published owned set with the store's current view.
// On query failure the previous set is retained, so a flaky database does
// not mass-cancel every prober on the replica.
func (r *OwnerReconciler) Refresh(ctx context.Context) error {
	ids, err := r.store.GetActiveTargetIDs(ctx, r.config.ShardIndex)
	if err != nil {
		return err
	}
	r.owned.Store(ids)
	return nil
}

// Start begins the reconciler loop in a goroutine.
func (r *OwnerReconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the reconciler to stop.
func (r *OwnerReconciler) Stop() {
	close(r.stopCh)
}

func (r *OwnerReconciler) run(ctx context.Context) {
	r.logger.Info("owner reconciler started",
		"shard_index", r.config.ShardIndex,
		"refresh_interval", r.config.RefreshInterval,
	)

	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("owner reconciler stopping (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("owner reconciler stopping (stop signal)")
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("owned set refresh failed, keeping previous set", "error", err)
			}
		}
	}
}
