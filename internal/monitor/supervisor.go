package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/stackwatch/http-mon/internal/metrics"
	"github.com/stackwatch/http-mon/pkg/types"
)

// SupervisorStore defines the storage interface for the supervisor.
type SupervisorStore interface {
	EscalationStore
	GetTargetsForShard(ctx context.Context, shardIndex int) ([]types.Target, error)
	GetNotificationsForTargets(ctx context.Context, targetIDs []int64) (map[int64][]types.Notification, error)
}

// SupervisorConfig holds configuration for the supervisor.
type SupervisorConfig struct {
	// ShardIndex is this replica's index.
	ShardIndex int
}

// Supervisor ties the core together for one replica. At startup it reads
// the shard's durable state, spawns a prober per active target and resumes
// the escalation workflow for every target with a stalled stage-1 alert.
// At runtime the admin API hands freshly registered targets to StartProber.
type Supervisor struct {
	store   SupervisorStore
	owner   *OwnerReconciler
	mailer  Mailer
	client  *http.Client
	config  SupervisorConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor.
func NewSupervisor(store SupervisorStore, owner *OwnerReconciler, mailer Mailer, config SupervisorConfig, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:  store,
		owner:  owner,
		mailer: mailer,
		// No client-side timeout: a hung probe remaining in the pending set
		// until the window elapses is the intended unreachability evidence.
		client:  &http.Client{},
		config:  config,
		metrics: m,
		logger:  logger.With("component", "supervisor"),
	}
}

// Recover runs the startup procedure: seed the owned set, partition the
// shard's targets into active and stalled, spawn probers and resumed
// escalations, then start the reconciler loop.
//
// The owned set is seeded synchronously before any prober is spawned;
// otherwise recovered probers would observe an empty set on their first
// tick and cancel themselves.
func (s *Supervisor) Recover(ctx context.Context) error {
	targets, err := s.store.GetTargetsForShard(ctx, s.config.ShardIndex)
	if err != nil {
		return err
	}

	if err := s.owner.Refresh(ctx); err != nil {
		return err
	}

	var active []types.Target
	var inactiveIDs []int64
	byID := make(map[int64]types.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
		if t.IsActive {
			active = append(active, t)
		} else {
			inactiveIDs = append(inactiveIDs, t.ID)
		}
	}

	notifications, err := s.store.GetNotificationsForTargets(ctx, inactiveIDs)
	if err != nil {
		return err
	}

	for _, t := range active {
		s.StartProber(ctx, t)
	}

	resumed := 0
	for _, id := range inactiveIDs {
		ns := notifications[id]
		newest, ok := stalledStage1(ns)
		if !ok {
			continue
		}
		s.resumeEscalation(ctx, byID[id], newest)
		resumed++
	}

	s.owner.Start(ctx)

	s.logger.Info("recovery complete",
		"shard_index", s.config.ShardIndex,
		"probers", len(active),
		"resumed_escalations", resumed,
	)

	return nil
}

// stalledStage1 applies the stalled detection rule: a target is stalled iff
// it has notifications and every one of them is an unacknowledged stage-1.
// Any stage-2 row means the workflow for that round already ran past the
// acknowledgement deadline; an acknowledged stage-1 means it resolved.
// Duplicate stage-1 rows from a crash between mail send and deactivation
// are tolerated; the newest one is authoritative.
func stalledStage1(ns []types.Notification) (types.Notification, bool) {
	if len(ns) == 0 {
		return types.Notification{}, false
	}
	newest := ns[0]
	for _, n := range ns {
		if n.Stage != types.StagePrimary || n.Acknowledged {
			return types.Notification{}, false
		}
		if n.TimeSent.After(newest.TimeSent) {
			newest = n
		}
	}
	return newest, true
}

// StartProber spawns the probing loop for a target. Called from recovery
// and from the admin API's add path, after the target row is persisted so
// the prober sees the store-assigned id.
func (s *Supervisor) StartProber(ctx context.Context, target types.Target) {
	if err := target.Validate(); err != nil {
		// Validation already happened at the API edge; a violation here is
		// fatal for the task but not the process.
		s.logger.Error("refusing to probe invalid target", "error", err)
		return
	}

	// A freshly registered target is absent from the owned set until the
	// next reconciler refresh; refresh now so the first tick sees it.
	if !s.owner.Owns(target.ID) {
		if err := s.owner.Refresh(ctx); err != nil {
			s.logger.Warn("owned set refresh before spawn failed", "target_id", target.ID, "error", err)
		}
	}

	prober := NewProber(target, s.owner, s.client, s.escalate, s.metrics, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		prober.Run(ctx)
	}()
}

// escalate is the verdict handoff: it runs the escalation in the prober's
// goroutine, which exits when the workflow terminates.
func (s *Supervisor) escalate(ctx context.Context, target types.Target) {
	esc := NewEscalator(s.store, s.mailer, target, s.metrics, s.logger)
	if err := esc.Run(ctx); err != nil {
		s.logger.Error("escalation aborted", "target_id", target.ID, "error", err)
	}
}

// resumeEscalation spawns an escalator seeded with a stalled stage-1
// notification found at startup.
func (s *Supervisor) resumeEscalation(ctx context.Context, target types.Target, stage1 types.Notification) {
	esc := NewEscalator(s.store, s.mailer, target, s.metrics, s.logger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := esc.Resume(ctx, stage1); err != nil {
			s.logger.Error("resumed escalation aborted", "target_id", target.ID, "error", err)
		}
	}()
}

// Wait blocks until every prober and escalator has terminated. Used during
// graceful shutdown after the context is cancelled.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
