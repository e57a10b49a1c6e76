package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stackwatch/http-mon/internal/testutil"
)

// flakyOwnerStore serves a configurable owned set and can be made to fail.
type flakyOwnerStore struct {
	mu  sync.Mutex
	ids map[int64]struct{}
	err error
}

func (s *flakyOwnerStore) GetActiveTargetIDs(ctx context.Context, shardIndex int) (map[int64]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[int64]struct{}, len(s.ids))
	for id := range s.ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *flakyOwnerStore) set(ids map[int64]struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = ids
	s.err = err
}

func TestOwnerReconcilerRefreshPublishesSnapshot(t *testing.T) {
	store := &flakyOwnerStore{}
	store.set(map[int64]struct{}{1: {}, 2: {}}, nil)

	r := NewOwnerReconciler(store, DefaultOwnerReconcilerConfig(0), testutil.NewTestLogger())

	if r.Owns(1) {
		t.Fatal("owned set should start empty")
	}

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !r.Owns(1) || !r.Owns(2) || r.Owns(3) {
		t.Error("owned set does not match the store's view")
	}
}

func TestOwnerReconcilerKeepsPreviousSetOnError(t *testing.T) {
	store := &flakyOwnerStore{}
	store.set(map[int64]struct{}{7: {}}, nil)

	r := NewOwnerReconciler(store, DefaultOwnerReconcilerConfig(0), testutil.NewTestLogger())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.set(nil, errors.New("connection reset"))
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	// No spurious mass-cancellation: the previous set survives the failure.
	if !r.Owns(7) {
		t.Error("owned set was dropped on a failed refresh")
	}
}

func TestOwnerReconcilerLoopTracksStoreChanges(t *testing.T) {
	store := &flakyOwnerStore{}
	store.set(map[int64]struct{}{1: {}}, nil)

	config := OwnerReconcilerConfig{ShardIndex: 0, RefreshInterval: 10 * time.Millisecond}
	r := NewOwnerReconciler(store, config, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	deadline := time.After(time.Second)
	for !r.Owns(1) {
		select {
		case <-deadline:
			t.Fatal("reconciler never published the initial set")
		case <-time.After(5 * time.Millisecond):
		}
	}

	store.set(map[int64]struct{}{2: {}}, nil)

	deadline = time.After(time.Second)
	for r.Owns(1) || !r.Owns(2) {
		select {
		case <-deadline:
			t.Fatal("reconciler never picked up the store change")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
