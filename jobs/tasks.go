package jobs

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskApprovalNotify announces an approval transition to the people involved.
	TaskApprovalNotify = "approval:notify"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"

	approvalNotifyMaxRetry = 5
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	if payload.To == "" {
		return nil, errors.New("send email: recipient required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.Queue(QueueDefault)), nil
}

// Approval notification events.
const (
	EventCreated       = "created"
	EventLevelAdvanced = "advanced"
	EventFullyApproved = "approved"
	EventRejected      = "rejected"
)

// ApprovalNotificationPayload identifies the unit and the transition to announce.
type ApprovalNotificationPayload struct {
	Event      string `json:"event"`
	FiscalYear int    `json:"fiscal_year"`
	CompanyID  string `json:"company_id"`
	Group      string `json:"group"`
	RecNumber  int    `json:"rec_number"`
	Level      int    `json:"level,omitempty"`
	CreatorID  int64  `json:"creator_id,omitempty"`
	DocNumber  string `json:"doc_number,omitempty"`
	Comments   string `json:"comments,omitempty"`
}

// Validate checks the payload carries enough to resolve recipients.
func (p ApprovalNotificationPayload) Validate() error {
	switch p.Event {
	case EventCreated, EventFullyApproved:
	case EventLevelAdvanced, EventRejected:
		if p.Level < 1 {
			return errors.New("approval notification: level required")
		}
	default:
		return errors.New("approval notification: unknown event " + p.Event)
	}
	if p.CompanyID == "" || p.Group == "" || p.RecNumber < 1 {
		return errors.New("approval notification: unit key required")
	}
	return nil
}

// NewApprovalNotificationTask builds the task for an approval transition.
func NewApprovalNotificationTask(payload ApprovalNotificationPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskApprovalNotify, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(approvalNotifyMaxRetry),
	), nil
}

// IdempotencyCleanupPayload configures a cleanup run.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
