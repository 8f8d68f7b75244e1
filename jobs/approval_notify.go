package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockflow/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Recipient is a person who receives approval mail.
type Recipient struct {
	ID    int64
	Name  string
	Email string
}

// RecipientDirectory resolves the people involved in a unit.
type RecipientDirectory interface {
	ApproversAtLevel(ctx context.Context, level int) ([]Recipient, error)
	UserByID(ctx context.Context, id int64) (Recipient, error)
}

// ApprovalNotifyJob mails the people concerned by an approval transition.
type ApprovalNotifyJob struct {
	Directory RecipientDirectory
	Mailer    Mailer
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewApprovalNotifyJob wires dependencies for the notification handler.
func NewApprovalNotifyJob(directory RecipientDirectory, mailer Mailer, logger *slog.Logger, metrics *jobmetrics.Metrics) *ApprovalNotifyJob {
	return &ApprovalNotifyJob{Directory: directory, Mailer: mailer, Logger: logger, Metrics: metrics}
}

// Handle processes TaskApprovalNotify tasks.
func (j *ApprovalNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Directory == nil || j.Mailer == nil {
		return errors.New("approval notify: handler not configured")
	}
	var payload ApprovalNotificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := payload.Validate(); err != nil {
		j.logger().Warn("drop approval notification", slog.Any("error", err))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskApprovalNotify)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("event", payload.Event),
		slog.String("unit", unitRef(payload)),
	)

	recipients, err := j.recipients(ctx, payload)
	if err != nil {
		resultErr = err
		logger.Error("resolve recipients", slog.Any("error", err))
		return resultErr
	}
	to := make([]string, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, r.Email)
	}
	if len(to) == 0 {
		logger.Info("no recipients for approval notification")
		return resultErr
	}

	subject, body := composeApprovalMail(payload)
	if err := j.Mailer.Send(ctx, Mail{To: to, Subject: subject, Body: body}); err != nil {
		resultErr = err
		logger.Error("send approval notification", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddNotifications(payload.Event, len(to))
	logger.Info("approval notification sent", slog.Int("recipients", len(to)))
	return resultErr
}

func (j *ApprovalNotifyJob) recipients(ctx context.Context, p ApprovalNotificationPayload) ([]Recipient, error) {
	var out []Recipient
	addLevel := func(level int) error {
		approvers, err := j.Directory.ApproversAtLevel(ctx, level)
		if err != nil {
			return fmt.Errorf("approvers at level %d: %w", level, err)
		}
		out = append(out, approvers...)
		return nil
	}
	addCreator := func() error {
		if p.CreatorID == 0 {
			return nil
		}
		creator, err := j.Directory.UserByID(ctx, p.CreatorID)
		if err != nil {
			return fmt.Errorf("creator %d: %w", p.CreatorID, err)
		}
		out = append(out, creator)
		return nil
	}

	switch p.Event {
	case EventCreated:
		if err := addLevel(1); err != nil {
			return nil, err
		}
	case EventLevelAdvanced:
		if err := addLevel(p.Level); err != nil {
			return nil, err
		}
	case EventFullyApproved:
		if err := addCreator(); err != nil {
			return nil, err
		}
	case EventRejected:
		for level := 1; level < p.Level; level++ {
			if err := addLevel(level); err != nil {
				return nil, err
			}
		}
		if err := addCreator(); err != nil {
			return nil, err
		}
	}
	return dedupeRecipients(out), nil
}

func dedupeRecipients(in []Recipient) []Recipient {
	seen := make(map[string]struct{}, len(in))
	out := make([]Recipient, 0, len(in))
	for _, r := range in {
		email := strings.ToLower(strings.TrimSpace(r.Email))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		r.Email = email
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Email < out[k].Email })
	return out
}

func unitRef(p ApprovalNotificationPayload) string {
	return fmt.Sprintf("%d/%s/%s/%d", p.FiscalYear, p.CompanyID, p.Group, p.RecNumber)
}

func composeApprovalMail(p ApprovalNotificationPayload) (string, string) {
	ref := unitRef(p)
	var subject, lead string
	switch p.Event {
	case EventCreated:
		subject = fmt.Sprintf("Stock adjustment %s awaits your approval", ref)
		lead = "A new stock adjustment was submitted and awaits level 1 approval."
	case EventLevelAdvanced:
		subject = fmt.Sprintf("Stock adjustment %s awaits level %d approval", ref, p.Level)
		lead = fmt.Sprintf("The previous level approved this adjustment. It now awaits level %d.", p.Level)
	case EventFullyApproved:
		subject = fmt.Sprintf("Stock adjustment %s approved", ref)
		lead = "Your stock adjustment was fully approved and posted to the inventory ledger."
		if p.DocNumber != "" {
			lead += " Ledger document: " + p.DocNumber + "."
		}
	case EventRejected:
		subject = fmt.Sprintf("Stock adjustment %s rejected", ref)
		lead = fmt.Sprintf("The stock adjustment was rejected at level %d. Reversal documents were raised for its movements.", p.Level)
	}
	var body strings.Builder
	body.WriteString(lead)
	body.WriteString("\n\nReference: ")
	body.WriteString(ref)
	if p.Comments != "" {
		body.WriteString("\nComments: ")
		body.WriteString(p.Comments)
	}
	body.WriteString("\n")
	return subject, body.String()
}

func (j *ApprovalNotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskApprovalNotify))
	}
	return slog.Default().With(slog.String("job", TaskApprovalNotify))
}

func (j *ApprovalNotifyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// SendEmailJob processes TaskTypeSendEmail tasks.
type SendEmailJob struct {
	Mailer Mailer
	Logger *slog.Logger
}

// Handle implements asynq.HandlerFunc.
func (j *SendEmailJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if j == nil || j.Mailer == nil {
		return errors.New("send email: mailer not configured")
	}
	return j.Mailer.Send(ctx, Mail{To: []string{payload.To}, Subject: payload.Subject, Body: payload.Body})
}
