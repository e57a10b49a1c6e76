package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stackwatch/http-mon/internal/metrics"
	"github.com/stackwatch/http-mon/internal/testutil"
	"github.com/stackwatch/http-mon/pkg/types"
)

// mockStore implements SupervisorStore (and with it EscalationStore and
// OwnerStore) for testing.
type mockStore struct {
	mu            sync.Mutex
	nextID        int64
	targets       map[int64]*types.Target
	notifications map[int64]*types.Notification
	ops           []string

	// onSaveNotification, when set, runs after a notification is stored.
	onSaveNotification func(n *types.Notification)

	saveNotificationErr error
	setInactiveErr      error
}

func newMockStore() *mockStore {
	return &mockStore{
		targets:       make(map[int64]*types.Target),
		notifications: make(map[int64]*types.Notification),
	}
}

func (m *mockStore) addTarget(t types.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := t
	m.targets[t.ID] = &cp
}

func (m *mockStore) SaveNotification(ctx context.Context, n *types.Notification) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveNotificationErr != nil {
		return 0, m.saveNotificationErr
	}
	m.nextID++
	cp := *n
	cp.ID = m.nextID
	m.notifications[cp.ID] = &cp
	m.ops = append(m.ops, "save_notification")
	if m.onSaveNotification != nil {
		m.onSaveNotification(&cp)
	}
	return cp.ID, nil
}

func (m *mockStore) SetTargetInactive(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setInactiveErr != nil {
		return m.setInactiveErr
	}
	if t, ok := m.targets[id]; ok {
		t.IsActive = false
	}
	m.ops = append(m.ops, "set_target_inactive")
	return nil
}

func (m *mockStore) GetNotification(ctx context.Context, id int64) (*types.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (m *mockStore) GetTargetsForShard(ctx context.Context, shardIndex int) ([]types.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Target
	for _, t := range m.targets {
		if t.ShardIndex == shardIndex {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) GetNotificationsForTargets(ctx context.Context, ids []int64) (map[int64][]types.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]types.Notification)
	for _, id := range ids {
		for _, n := range m.notifications {
			if n.TargetID == id {
				out[id] = append(out[id], *n)
			}
		}
	}
	return out, nil
}

func (m *mockStore) GetActiveTargetIDs(ctx context.Context, shardIndex int) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[int64]struct{})
	for _, t := range m.targets {
		if t.IsActive && t.ShardIndex == shardIndex {
			ids[t.ID] = struct{}{}
		}
	}
	return ids, nil
}

func (m *mockStore) acknowledge(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.Acknowledged = true
	}
}

func (m *mockStore) notificationsByStage(stage int) []types.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Notification
	for _, n := range m.notifications {
		if n.Stage == stage {
			out = append(out, *n)
		}
	}
	return out
}

// mockMailer records sends and optionally fails them.
type mockMailer struct {
	mu    sync.Mutex
	sends []mailRecord
	err   error
}

type mailRecord struct {
	to             string
	notificationID int64
	primaryAdmin   bool
}

func (m *mockMailer) SendAlert(ctx context.Context, to, targetURL string, notificationID int64, primaryAdmin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, mailRecord{to: to, notificationID: notificationID, primaryAdmin: primaryAdmin})
	return m.err
}

func (m *mockMailer) records() []mailRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailRecord(nil), m.sends...)
}

func newTestEscalator(store *mockStore, mailer *mockMailer, target types.Target) *Escalator {
	return NewEscalator(store, mailer, target, metrics.New(), testutil.NewTestLogger())
}

func TestEscalatorPersistsBeforeDeactivatingAndMailing(t *testing.T) {
	store := newMockStore()
	mailer := &mockMailer{}
	target := testutil.FixtureTarget(func(tg *types.Target) { tg.ResponseTime = 30 })
	store.addTarget(target)

	// Acknowledge immediately so the workflow stops after stage 1.
	store.onSaveNotification = func(n *types.Notification) { n.Acknowledged = true }

	if err := newTestEscalator(store, mailer, target).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.ops) < 2 || store.ops[0] != "save_notification" || store.ops[1] != "set_target_inactive" {
		t.Fatalf("stage-1 write order wrong: %v", store.ops)
	}

	sends := mailer.records()
	if len(sends) != 1 {
		t.Fatalf("expected one mail, got %d", len(sends))
	}
	if sends[0].to != target.PrimaryEmail || !sends[0].primaryAdmin {
		t.Errorf("stage-1 mail misaddressed: %+v", sends[0])
	}
}

func TestEscalatorAcknowledgedStopsEscalation(t *testing.T) {
	store := newMockStore()
	mailer := &mockMailer{}
	target := testutil.FixtureTarget(func(tg *types.Target) { tg.ResponseTime = 50 })
	store.addTarget(target)

	store.onSaveNotification = func(n *types.Notification) {
		if n.Stage == types.StagePrimary {
			// Simulate the administrator clicking the link mid-window.
			go func(id int64) {
				time.Sleep(10 * time.Millisecond)
				store.acknowledge(id)
			}(n.ID)
		}
	}

	if err := newTestEscalator(store, mailer, target).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.notificationsByStage(types.StageSecondary); len(got) != 0 {
		t.Fatalf("stage-2 notification created despite acknowledgement: %+v", got)
	}
	if sends := mailer.records(); len(sends) != 1 {
		t.Fatalf("expected only the stage-1 mail, got %d sends", len(sends))
	}
}

func TestEscalatorEscalatesWithoutAcknowledgement(t *testing.T) {
	store := newMockStore()
	mailer := &mockMailer{}
	target := testutil.FixtureTarget(func(tg *types.Target) { tg.ResponseTime = 30 })
	store.addTarget(target)

	if err := newTestEscalator(store, mailer, target).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stage2 := store.notificationsByStage(types.StageSecondary)
	if len(stage2) != 1 {
		t.Fatalf("expected one stage-2 notification, got %d", len(stage2))
	}

	sends := mailer.records()
	if len(sends) != 2 {
		t.Fatalf("expected two mails, got %d", len(sends))
	}
	if sends[1].to != target.SecondaryEmail || sends[1].primaryAdmin {
		t.Errorf("stage-2 mail misaddressed: %+v", sends[1])
	}
	if sends[1].notificationID != stage2[0].ID {
		t.Errorf("stage-2 mail references notification %d, want %d", sends[1].notificationID, stage2[0].ID)
	}
}

func TestEscalatorMailFailureDoesNotStopWorkflow(t *testing.T) {
	store := newMockStore()
	mailer := &mockMailer{err: errors.New("smtp unavailable")}
	target := testutil.FixtureTarget(func(tg *types.Target) { tg.ResponseTime = 30 })
	store.addTarget(target)

	if err := newTestEscalator(store, mailer, target).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Fail-open: escalation proceeds even though no mail was delivered.
	if got := store.notificationsByStage(types.StageSecondary); len(got) != 1 {
		t.Fatalf("expected stage-2 notification despite mail failures, got %d", len(got))
	}
}

func TestEscalatorStoreErrorIsFatal(t *testing.T) {
	store := newMockStore()
	store.saveNotificationErr = errors.New("connection refused")
	mailer := &mockMailer{}
	target := testutil.FixtureTarget()
	store.addTarget(target)

	if err := newTestEscalator(store, mailer, target).Run(context.Background()); err == nil {
		t.Fatal("expected error from failing store")
	}
	if len(mailer.records()) != 0 {
		t.Fatal("mail sent despite failed stage-1 persistence")
	}
}

func TestEscalatorResumePreservesDeadline(t *testing.T) {
	store := newMockStore()
	mailer := &mockMailer{}
	target := testutil.FixtureTarget(func(tg *types.Target) { tg.ResponseTime = 200 })
	store.addTarget(target)

	// Seed a stage-1 notification that has been outstanding for half the
	// response window; escalation should wait only the remainder.
	stage1 := &types.Notification{
		TargetID: target.ID,
		TimeSent: time.Now().Add(-100 * time.Millisecond),
		Stage:    types.StagePrimary,
	}
	id, err := store.SaveNotification(context.Background(), stage1)
	if err != nil {
		t.Fatal(err)
	}
	stage1.ID = id

	start := time.Now()
	if err := newTestEscalator(store, mailer, target).Resume(context.Background(), *stage1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	if got := store.notificationsByStage(types.StageSecondary); len(got) != 1 {
		t.Fatalf("expected stage-2 notification after resume, got %d", len(got))
	}
	// Total runtime: remaining ~100ms + the terminal 200ms observation
	// window. A full 200ms wait before stage 2 would exceed 400ms.
	if elapsed > 380*time.Millisecond {
		t.Errorf("resume did not clamp the remaining wait: took %s", elapsed)
	}
}

func TestEscalatorResumeExpiredDeadlineEscalatesImmediately(t *testing.T) {
	store := newMockStore()
	mailer := &mockMailer{}
	target := testutil.FixtureTarget(func(tg *types.Target) { tg.ResponseTime = 100 })
	store.addTarget(target)

	stage1 := types.Notification{
		ID:       99,
		TargetID: target.ID,
		TimeSent: time.Now().Add(-time.Hour),
		Stage:    types.StagePrimary,
	}
	store.notifications[stage1.ID] = &stage1

	start := time.Now()
	if err := newTestEscalator(store, mailer, target).Resume(context.Background(), stage1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.notificationsByStage(types.StageSecondary); len(got) != 1 {
		t.Fatalf("expected stage-2 notification, got %d", len(got))
	}
	// Stage 2 should be issued without re-waiting the response window; only
	// the terminal observation sleep remains.
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("expired deadline was not clamped to zero: took %s", elapsed)
	}
}
