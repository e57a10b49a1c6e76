package monitor

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/stackwatch/http-mon/internal/metrics"
	"github.com/stackwatch/http-mon/pkg/types"
)

// EscalationStore defines the storage interface for the escalator.
type EscalationStore interface {
	SaveNotification(ctx context.Context, n *types.Notification) (int64, error)
	SetTargetInactive(ctx context.Context, id int64) error
	GetNotification(ctx context.Context, id int64) (*types.Notification, error)
}

// Mailer sends a templated alert to one address. Delivery is best-effort;
// the escalator logs failures and keeps going.
type Mailer interface {
	SendAlert(ctx context.Context, to, targetURL string, notificationID int64, primaryAdmin bool) error
}

// Escalator owns the two-stage alert workflow for one target: persist the
// stage-1 notification, mail the primary administrator, wait out the
// response window, and escalate to the secondary administrator if the
// stage-1 alert was not acknowledged.
//
// Every state transition is persisted before the corresponding mail is
// attempted, so a crash at any point leaves enough durable state for the
// next startup to resume the workflow.
type Escalator struct {
	store   EscalationStore
	mailer  Mailer
	target  types.Target
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEscalator creates an escalator for the target.
func NewEscalator(store EscalationStore, mailer Mailer, target types.Target, m *metrics.Metrics, logger *slog.Logger) *Escalator {
	return &Escalator{
		store:   store,
		mailer:  mailer,
		target:  target,
		metrics: m,
		logger: logger.With(
			"component", "escalator",
			"target_id", target.ID,
			"url", target.URL,
		),
	}
}

// Run executes the workflow from a fresh verdict.
//
// The stage-1 notification row is persisted before is_active is cleared;
// recovery detects a stalled workflow from the notification alone, so that
// write order is what makes a crash between the two recoverable. Store
// errors are fatal to this instance: the target is re-examined on the next
// startup.
func (e *Escalator) Run(ctx context.Context) error {
	id, err := e.store.SaveNotification(ctx, &types.Notification{
		TargetID: e.target.ID,
		TimeSent: time.Now(),
		Stage:    types.StagePrimary,
	})
	if err != nil {
		e.logger.Error("failed to persist stage-1 notification", "error", err)
		return err
	}

	if err := e.store.SetTargetInactive(ctx, e.target.ID); err != nil {
		e.logger.Error("failed to deactivate target", "error", err)
		return err
	}

	e.metrics.NotificationsSent.WithLabelValues(strconv.Itoa(types.StagePrimary)).Inc()
	e.sendMail(ctx, e.target.PrimaryEmail, id, true)

	e.logger.Info("stage-1 alert issued", "notification_id", id)

	return e.await(ctx, id, e.target.ResponseTimeDuration())
}

// Resume re-enters the workflow for a stalled stage-1 notification found at
// startup. The remaining wait is the response window minus the time the
// notification has already been outstanding, clamped to zero, so the
// acknowledgement deadline survives restarts.
func (e *Escalator) Resume(ctx context.Context, stage1 types.Notification) error {
	remaining := e.target.ResponseTimeDuration() - time.Since(stage1.TimeSent)
	if remaining < 0 {
		remaining = 0
	}

	e.logger.Info("resuming stalled escalation",
		"notification_id", stage1.ID,
		"remaining", remaining,
	)

	return e.await(ctx, stage1.ID, remaining)
}

// await sleeps out the acknowledgement window, re-reads the stage-1
// notification, and escalates to stage 2 unless it was acknowledged.
func (e *Escalator) await(ctx context.Context, stage1ID int64, wait time.Duration) error {
	if err := sleepCtx(ctx, wait); err != nil {
		return err
	}

	n, err := e.store.GetNotification(ctx, stage1ID)
	if err != nil {
		e.logger.Error("failed to re-read stage-1 notification", "error", err)
		return err
	}
	if n == nil {
		e.logger.Warn("stage-1 notification vanished, aborting escalation", "notification_id", stage1ID)
		return nil
	}
	if n.Acknowledged {
		e.logger.Info("stage-1 alert acknowledged, no escalation", "notification_id", stage1ID)
		return nil
	}

	id2, err := e.store.SaveNotification(ctx, &types.Notification{
		TargetID: e.target.ID,
		TimeSent: time.Now(),
		Stage:    types.StageSecondary,
	})
	if err != nil {
		e.logger.Error("failed to persist stage-2 notification", "error", err)
		return err
	}

	e.metrics.NotificationsSent.WithLabelValues(strconv.Itoa(types.StageSecondary)).Inc()
	e.sendMail(ctx, e.target.SecondaryEmail, id2, false)

	e.logger.Info("stage-2 alert issued", "notification_id", id2)

	// Stay alive through the secondary response window before terminating.
	if err := sleepCtx(ctx, e.target.ResponseTimeDuration()); err != nil {
		return err
	}

	e.logger.Info("escalation complete")
	return nil
}

// sendMail attempts delivery and logs failures. The workflow continues as
// if the mail had been sent: a missed acknowledgement means escalation
// proceeds, which is the fail-open behaviour an alerting system wants.
func (e *Escalator) sendMail(ctx context.Context, to string, notificationID int64, primaryAdmin bool) {
	if err := e.mailer.SendAlert(ctx, to, e.target.URL, notificationID, primaryAdmin); err != nil {
		e.metrics.MailSendFailures.Inc()
		e.logger.Error("alert mail delivery failed",
			"to", to,
			"notification_id", notificationID,
			"error", err,
		)
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
