// Package store provides database access for the monitor.
//
// # Design
//
// The store uses raw SQL with pgx. Every operation acquires a connection
// from the pool and releases it before returning; no transaction spans
// more than one call. pgx.ErrNoRows is mapped to a nil result so callers
// can distinguish "absent" from "failed".
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stackwatch/http-mon/pkg/types"
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// TARGETS
// =============================================================================

// SaveTarget inserts a new target assigned to the given shard and returns
// the generated id. The caller's ShardIndex field is ignored; the shard the
// row is bound to is the one passed here.
func (s *Store) SaveTarget(ctx context.Context, t *types.Target, shardIndex int) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO targets (url, primary_email, secondary_email, period_ms, window_ms, response_time_ms, shard_index, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING target_id
	`,
		t.URL, t.PrimaryEmail, t.SecondaryEmail,
		t.Period, t.AlertingWindow, t.ResponseTime,
		shardIndex, t.IsActive,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SetTargetInactive marks a target as no longer monitored. Deletion is
// logical; the row stays for notification history.
func (s *Store) SetTargetInactive(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE targets SET is_active = FALSE WHERE target_id = $1
	`, id)
	return err
}

// GetTargetsByPrimaryEmail returns every target whose primary administrator
// matches, active or not.
func (s *Store) GetTargetsByPrimaryEmail(ctx context.Context, email string) ([]types.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id, url, primary_email, secondary_email, period_ms, window_ms, response_time_ms, shard_index, is_active
		FROM targets WHERE primary_email = $1 ORDER BY target_id
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTargets(rows)
}

// GetTargetsForShard returns every target bound to the shard, active or not.
// Recovery needs the inactive rows to detect stalled escalations.
func (s *Store) GetTargetsForShard(ctx context.Context, shardIndex int) ([]types.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id, url, primary_email, secondary_email, period_ms, window_ms, response_time_ms, shard_index, is_active
		FROM targets WHERE shard_index = $1 ORDER BY target_id
	`, shardIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTargets(rows)
}

// GetActiveTargetIDs returns the ids of all active targets on the shard.
// This is the owned set the reconciler publishes to the probers.
func (s *Store) GetActiveTargetIDs(ctx context.Context, shardIndex int) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id FROM targets WHERE is_active = TRUE AND shard_index = $1
	`, shardIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func scanTargets(rows pgx.Rows) ([]types.Target, error) {
	var targets []types.Target
	for rows.Next() {
		var t types.Target
		if err := rows.Scan(
			&t.ID, &t.URL, &t.PrimaryEmail, &t.SecondaryEmail,
			&t.Period, &t.AlertingWindow, &t.ResponseTime,
			&t.ShardIndex, &t.IsActive,
		); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// SaveNotification inserts a notification row and returns the generated id.
func (s *Store) SaveNotification(ctx context.Context, n *types.Notification) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (target_id, time_sent, stage, acknowledged)
		VALUES ($1, $2, $3, $4)
		RETURNING notification_id
	`, n.TargetID, n.TimeSent, n.Stage, n.Acknowledged).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetNotification retrieves a notification by id. Returns nil if absent.
func (s *Store) GetNotification(ctx context.Context, id int64) (*types.Notification, error) {
	var n types.Notification
	err := s.pool.QueryRow(ctx, `
		SELECT notification_id, target_id, time_sent, stage, acknowledged
		FROM notifications WHERE notification_id = $1
	`, id).Scan(&n.ID, &n.TargetID, &n.TimeSent, &n.Stage, &n.Acknowledged)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNotificationsForTargets returns all notifications for the given targets,
// grouped by target id. Targets with no notifications are absent from the map.
func (s *Store) GetNotificationsForTargets(ctx context.Context, targetIDs []int64) (map[int64][]types.Notification, error) {
	byTarget := make(map[int64][]types.Notification)
	if len(targetIDs) == 0 {
		return byTarget, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT notification_id, target_id, time_sent, stage, acknowledged
		FROM notifications WHERE target_id = ANY($1) ORDER BY time_sent
	`, targetIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var n types.Notification
		if err := rows.Scan(&n.ID, &n.TargetID, &n.TimeSent, &n.Stage, &n.Acknowledged); err != nil {
			return nil, err
		}
		byTarget[n.TargetID] = append(byTarget[n.TargetID], n)
	}
	return byTarget, rows.Err()
}

// AcknowledgeNotification flips the acknowledged flag. Returns true iff
// exactly one previously-unacknowledged row was updated, so the admin API
// can reject double acknowledgements and unknown ids uniformly.
func (s *Store) AcknowledgeNotification(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET acknowledged = TRUE
		WHERE notification_id = $1 AND acknowledged = FALSE
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
