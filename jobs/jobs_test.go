package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/stockflow/internal/jobs"
)

type memoryDirectory struct {
	byLevel map[int][]Recipient
	byID    map[int64]Recipient
	err     error
}

func (d memoryDirectory) ApproversAtLevel(_ context.Context, level int) ([]Recipient, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.byLevel[level], nil
}

func (d memoryDirectory) UserByID(_ context.Context, id int64) (Recipient, error) {
	if d.err != nil {
		return Recipient{}, d.err
	}
	r, ok := d.byID[id]
	if !ok {
		return Recipient{}, errors.New("user not found")
	}
	return r, nil
}

type memoryMailer struct {
	sent []Mail
	err  error
}

func (m *memoryMailer) Send(_ context.Context, mail Mail) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, mail)
	return nil
}

func directory() memoryDirectory {
	return memoryDirectory{
		byLevel: map[int][]Recipient{
			1: {{ID: 11, Email: "l1@example.com"}, {ID: 12, Email: "L1@example.com"}},
			2: {{ID: 21, Email: "l2@example.com"}},
			3: {{ID: 31, Email: ""}},
		},
		byID: map[int64]Recipient{7: {ID: 7, Email: "creator@example.com"}},
	}
}

func notifyTask(t *testing.T, p ApprovalNotificationPayload) *asynq.Task {
	t.Helper()
	task, err := NewApprovalNotificationTask(p)
	require.NoError(t, err)
	return task
}

func basePayload(event string, level int) ApprovalNotificationPayload {
	return ApprovalNotificationPayload{
		Event: event, FiscalYear: 202526, CompanyID: "SMP", Group: "ADJ", RecNumber: 4,
		Level: level, CreatorID: 7, Comments: "qty mismatch",
	}
}

func TestApprovalNotifyRecipients(t *testing.T) {
	cases := []struct {
		name    string
		payload ApprovalNotificationPayload
		want    []string
	}{
		{"created goes to level one", basePayload(EventCreated, 0), []string{"l1@example.com"}},
		{"advanced goes to next level", basePayload(EventLevelAdvanced, 2), []string{"l2@example.com"}},
		{"approved goes to creator", basePayload(EventFullyApproved, 0), []string{"creator@example.com"}},
		{"rejected goes to prior levels and creator", basePayload(EventRejected, 3), []string{"creator@example.com", "l1@example.com", "l2@example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mailer := &memoryMailer{}
			job := NewApprovalNotifyJob(directory(), mailer, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
			require.NoError(t, job.Handle(context.Background(), notifyTask(t, tc.payload)))
			require.Len(t, mailer.sent, 1)
			require.Equal(t, tc.want, mailer.sent[0].To)
			require.Contains(t, mailer.sent[0].Body, "202526/SMP/ADJ/4")
		})
	}
}

func TestApprovalNotifySkipsWhenNobodyToTell(t *testing.T) {
	mailer := &memoryMailer{}
	job := NewApprovalNotifyJob(directory(), mailer, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, job.Handle(context.Background(), notifyTask(t, basePayload(EventLevelAdvanced, 3))))
	require.Empty(t, mailer.sent)
}

func TestApprovalNotifyFailuresAreRetried(t *testing.T) {
	dir := directory()
	dir.err = errors.New("db down")
	job := NewApprovalNotifyJob(dir, &memoryMailer{}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	err := job.Handle(context.Background(), notifyTask(t, basePayload(EventCreated, 0)))
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	job = NewApprovalNotifyJob(directory(), &memoryMailer{err: errors.New("smtp 451")}, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.Error(t, job.Handle(context.Background(), notifyTask(t, basePayload(EventCreated, 0))))
}

func TestApprovalNotifyDropsMalformedPayload(t *testing.T) {
	job := NewApprovalNotifyJob(directory(), &memoryMailer{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskApprovalNotify, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(ApprovalNotificationPayload{Event: "escalated", CompanyID: "SMP", Group: "ADJ", RecNumber: 1})
	err = job.Handle(context.Background(), asynq.NewTask(TaskApprovalNotify, body))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewApprovalNotificationTaskValidates(t *testing.T) {
	_, err := NewApprovalNotificationTask(basePayload(EventRejected, 0))
	require.Error(t, err)
	_, err = NewApprovalNotificationTask(ApprovalNotificationPayload{Event: EventCreated})
	require.Error(t, err)

	task := notifyTask(t, basePayload(EventCreated, 0))
	require.Equal(t, TaskApprovalNotify, task.Type())
}

func TestSMTPMailerComposesMessage(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{Host: "mail.local", Port: 2525, From: "stockflow@example.com"})
	m.now = func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) }
	var gotAddr string
	var gotMsg []byte
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		require.Equal(t, "stockflow@example.com", from)
		require.Equal(t, []string{"a@example.com"}, to)
		return nil
	}

	require.NoError(t, m.Send(context.Background(), Mail{To: []string{"a@example.com"}, Subject: "Hi", Body: "line1\nline2"}))
	require.Equal(t, "mail.local:2525", gotAddr)
	require.Contains(t, string(gotMsg), "Subject: Hi\r\n")
	require.Contains(t, string(gotMsg), "line1\r\nline2")

	require.Error(t, NewSMTPMailer(SMTPConfig{}).Send(context.Background(), Mail{To: []string{"a@example.com"}}))
	require.Error(t, m.Send(context.Background(), Mail{}))
}

type cleaner struct {
	olderThan time.Duration
}

func (c *cleaner) Cleanup(_ context.Context, olderThan time.Duration) error {
	c.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupUsesRetention(t *testing.T) {
	store := &cleaner{}
	job := &IdempotencyCleanupJob{Store: store, Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry())}

	task, err := NewIdempotencyCleanupTask(24)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 24*time.Hour, store.olderThan)

	task, err = NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, defaultIdempotencyRetention, store.olderThan)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestJobsHealth(t *testing.T) {
	serve := func(h *Handler) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Route("/jobs", h.MountRoutes)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
		return rr
	}

	rr := serve(NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: "default", Pending: 3, Retry: 1}}, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":3,"retry":1}`, rr.Body.String())

	rr = serve(NewHandler(fakeInspector{err: errors.New("redis down")}, nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSendEmailJob(t *testing.T) {
	mailer := &memoryMailer{}
	job := &SendEmailJob{Mailer: mailer}

	task, err := NewSendEmailTask(SendEmailPayload{To: "ops@example.com", Subject: "Sync failed", Body: "see log"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, mailer.sent, 1)
	require.Equal(t, []string{"ops@example.com"}, mailer.sent[0].To)

	_, err = NewSendEmailTask(SendEmailPayload{Subject: "no one"})
	require.Error(t, err)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
