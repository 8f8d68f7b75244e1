// Package notify turns approval transitions into queued notification tasks.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/jobs"
)

// Enqueuer submits notification tasks.
type Enqueuer interface {
	EnqueueApprovalNotification(ctx context.Context, payload jobs.ApprovalNotificationPayload) (*asynq.TaskInfo, error)
}

// Dispatcher enqueues approval notifications and returns without waiting for
// delivery.
type Dispatcher struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewDispatcher constructs Dispatcher.
func NewDispatcher(queue Enqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, logger: logger}
}

// NotifyCreated tells level-one approvers about a new unit.
func (d *Dispatcher) NotifyCreated(ctx context.Context, key approval.Key, creatorID int64) error {
	return d.enqueue(ctx, payload(jobs.EventCreated, key, func(p *jobs.ApprovalNotificationPayload) {
		p.Level = 1
		p.CreatorID = creatorID
	}))
}

// NotifyLevelAdvanced tells the approvers of level that it is their turn.
func (d *Dispatcher) NotifyLevelAdvanced(ctx context.Context, key approval.Key, level int) error {
	return d.enqueue(ctx, payload(jobs.EventLevelAdvanced, key, func(p *jobs.ApprovalNotificationPayload) {
		p.Level = level
	}))
}

// NotifyFullyApproved tells the creator the unit reached the ledger.
func (d *Dispatcher) NotifyFullyApproved(ctx context.Context, key approval.Key, creatorID int64, docNumber string) error {
	return d.enqueue(ctx, payload(jobs.EventFullyApproved, key, func(p *jobs.ApprovalNotificationPayload) {
		p.CreatorID = creatorID
		p.DocNumber = docNumber
	}))
}

// NotifyRejected tells the creator and the approvers below level.
func (d *Dispatcher) NotifyRejected(ctx context.Context, key approval.Key, level int, creatorID int64, comments string) error {
	return d.enqueue(ctx, payload(jobs.EventRejected, key, func(p *jobs.ApprovalNotificationPayload) {
		p.Level = level
		p.CreatorID = creatorID
		p.Comments = comments
	}))
}

func payload(event string, key approval.Key, fill func(*jobs.ApprovalNotificationPayload)) jobs.ApprovalNotificationPayload {
	p := jobs.ApprovalNotificationPayload{
		Event:      event,
		FiscalYear: key.FiscalYear,
		CompanyID:  key.CompanyID,
		Group:      key.Group,
		RecNumber:  key.RecNumber,
	}
	fill(&p)
	return p
}

func (d *Dispatcher) enqueue(ctx context.Context, p jobs.ApprovalNotificationPayload) error {
	if d == nil || d.queue == nil {
		return errors.New("notify: queue not configured")
	}
	info, err := d.queue.EnqueueApprovalNotification(ctx, p)
	if err != nil {
		return err
	}
	if info != nil {
		d.logger.Debug("approval notification queued",
			slog.String("event", p.Event),
			slog.String("task_id", info.ID),
		)
	}
	return nil
}
