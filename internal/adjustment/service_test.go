package adjustment_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	"github.com/odyssey-erp/stockflow/internal/adjustment/adjustmenttest"
	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/erp"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

type fakeTransfers struct {
	mu       sync.Mutex
	requests []erp.TransferRequest
	fail     bool
}

func (f *fakeTransfers) SendTransfer(_ context.Context, req erp.TransferRequest) erp.SyncResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail {
		return erp.SyncResult{Endpoint: erp.EndpointTransfer, Errors: []string{"location locked"}}
	}
	return erp.SyncResult{Success: true, Endpoint: erp.EndpointTransfer, ExternalDocNumber: req.Ref.DocNumber("SAGE")}
}

type fakeNotifier struct {
	created []approval.Key
	err     error
}

func (f *fakeNotifier) NotifyCreated(_ context.Context, key approval.Key, _ int64) error {
	f.created = append(f.created, key)
	return f.err
}

type memoryIdempotency struct {
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if m.keys == nil {
		m.keys = make(map[string]string)
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
	err  error
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return m.err
}

type fixture struct {
	store     *adjustmenttest.MemoryStore
	transfers *fakeTransfers
	notifier  *fakeNotifier
	idem      *memoryIdempotency
	audit     *memoryAudit
	svc       *adjustment.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     adjustmenttest.NewMemoryStore(),
		transfers: &fakeTransfers{},
		notifier:  &fakeNotifier{},
		idem:      &memoryIdempotency{},
		audit:     &memoryAudit{},
	}
	f.svc = adjustment.NewService(adjustment.ServiceDeps{
		Store:       f.store,
		Transfers:   f.transfers,
		Notifier:    f.notifier,
		Idempotency: f.idem,
		Audit:       f.audit,
		Levels:      adjustment.StaticLevels(2),
	}, adjustment.Options{DefaultLocation: "DMG", FiscalYearStartMonth: time.April})
	return f
}

var may2025 = time.Date(2025, time.May, 12, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mixedInput() adjustment.SubmitInput {
	return adjustment.SubmitInput{
		CompanyID: "SMP",
		TransDate: may2025,
		CreatorID: 7,
		Lines: []adjustment.LineInput{
			{RecType: adjustment.RecIncrease, ItemCode: "A-100", Quantity: dec("5"), UnitCost: dec("12.50"), FromLocation: "WH1"},
			{RecType: adjustment.RecDecrease, ItemCode: "B-200", Quantity: dec("2"), UnitCost: dec("40"), FromLocation: "WH2"},
			{RecType: adjustment.RecDecrease, ItemCode: "C-300", Quantity: dec("1.5"), UnitCost: dec("10"), FromLocation: "WH2", ToLocation: "DMG"},
		},
	}
}

func TestSubmitCreatesUnitAndPushesDecreaseTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, mixedInput())
	require.NoError(t, err)

	key := approval.Key{FiscalYear: 202526, CompanyID: "SMP", Group: "ADJ", RecNumber: 1}
	require.Equal(t, key, sub.Unit.Key)
	require.Len(t, sub.Unit.Documents, 2)
	require.Equal(t, adjustment.RecDecrease, sub.Unit.Documents[0].Key.RecType)
	require.Equal(t, adjustment.RecIncrease, sub.Unit.Documents[1].Key.RecType)
	for _, doc := range sub.Unit.Documents {
		require.Equal(t, 1, doc.Key.RecNumber)
	}

	decrease := sub.Unit.Documents[0]
	require.Len(t, decrease.Lines, 2)
	require.Equal(t, 1, decrease.Lines[0].Sno)
	require.Equal(t, 2, decrease.Lines[1].Sno)
	for _, line := range decrease.Lines {
		require.Equal(t, "DMG", line.ToLocation)
	}
	inc := sub.Unit.Documents[1]
	require.Equal(t, "WH1", inc.Lines[0].ToLocation)

	ledger, ok := f.store.Ledger(key)
	require.True(t, ok)
	require.Equal(t, 2, ledger.LevelCount())
	require.Equal(t, approval.DocumentState{Phase: approval.PhasePending, Level: 1}, ledger.State())

	require.Len(t, f.transfers.requests, 1)
	req := f.transfers.requests[0]
	require.Equal(t, erp.MovementDecrease, req.Movement)
	require.Equal(t, "STDL", req.Ref.RecName)
	require.Len(t, req.Lines, 2)

	require.Len(t, sub.Transfers, 1)
	require.True(t, sub.Transfers[0].Result.Success)
	stored, ok := f.store.Document(decrease.Key)
	require.True(t, ok)
	require.Equal(t, "SAGESMP2526000001", stored.TransferDocNumber)
	require.Len(t, f.store.Syncs(), 1)

	require.Equal(t, []approval.Key{key}, f.notifier.created)
	require.Len(t, f.audit.logs, 1)
	require.Equal(t, "stock_adjustment:create", f.audit.logs[0].Action)
	require.Equal(t, key.String(), f.audit.logs[0].EntityID)
}

func TestSubmitAllocatesSequentialNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, mixedInput())
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, mixedInput())
	require.NoError(t, err)
	require.Equal(t, 1, first.Unit.Key.RecNumber)
	require.Equal(t, 2, second.Unit.Key.RecNumber)
}

func TestSubmitTransferFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.transfers.fail = true

	sub, err := f.svc.Submit(context.Background(), mixedInput())
	require.NoError(t, err)
	require.Len(t, sub.Transfers, 1)
	require.False(t, sub.Transfers[0].Result.Success)

	stored, ok := f.store.Document(sub.Unit.Documents[0].Key)
	require.True(t, ok)
	require.Empty(t, stored.TransferDocNumber)
	syncs := f.store.Syncs()
	require.Len(t, syncs, 1)
	require.False(t, syncs[0].Success)
}

func TestSubmitIncreaseOnlySkipsTransfer(t *testing.T) {
	f := newFixture(t)
	in := mixedInput()
	in.Lines = in.Lines[:1]

	sub, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, sub.Unit.Documents, 1)
	require.Empty(t, f.transfers.requests)
	require.Empty(t, sub.Transfers)
}

func TestSubmitValidation(t *testing.T) {
	cases := map[string]func(*adjustment.SubmitInput){
		"missing company":   func(in *adjustment.SubmitInput) { in.CompanyID = " " },
		"missing creator":   func(in *adjustment.SubmitInput) { in.CreatorID = 0 },
		"no lines":          func(in *adjustment.SubmitInput) { in.Lines = nil },
		"zero quantity":     func(in *adjustment.SubmitInput) { in.Lines[0].Quantity = decimal.Zero },
		"negative quantity": func(in *adjustment.SubmitInput) { in.Lines[1].Quantity = dec("-1") },
		"negative cost":     func(in *adjustment.SubmitInput) { in.Lines[0].UnitCost = dec("-0.01") },
		"missing item":      func(in *adjustment.SubmitInput) { in.Lines[0].ItemCode = "" },
		"missing location":  func(in *adjustment.SubmitInput) { in.Lines[1].FromLocation = "" },
		"increase moves":    func(in *adjustment.SubmitInput) { in.Lines[0].ToLocation = "WH9" },
		"decrease elsewhere": func(in *adjustment.SubmitInput) {
			in.Lines[1].ToLocation = "WH3"
		},
		"decrease from default": func(in *adjustment.SubmitInput) {
			in.Lines[1].FromLocation = "DMG"
		},
		"reversal submitted": func(in *adjustment.SubmitInput) {
			in.Lines[0].RecType = adjustment.RecReversal
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			in := mixedInput()
			mutate(&in)
			_, err := f.svc.Submit(context.Background(), in)
			require.Error(t, err)
			require.True(t, errors.Is(err, adjustment.ErrInvalidInput) || errors.Is(err, adjustment.ErrInvalidLine), err.Error())
			require.Empty(t, f.store.Documents())
		})
	}
}

func TestSubmitRejectsLinesAcrossGroups(t *testing.T) {
	groups, err := adjustment.ParseGroups("INC:12,DEC:10,REV:14")
	require.NoError(t, err)
	store := adjustmenttest.NewMemoryStore()
	svc := adjustment.NewService(adjustment.ServiceDeps{Store: store}, adjustment.Options{DefaultLocation: "DMG", Groups: groups})

	_, err = svc.Submit(context.Background(), mixedInput())
	require.ErrorIs(t, err, adjustment.ErrInvalidInput)
}

func TestSubmitIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := mixedInput()
	in.IdempotencyKey = "req-1"

	_, err := f.svc.Submit(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, f.store.Documents(), 2)
}

func TestSubmitReleasesIdempotencyKeyOnFailure(t *testing.T) {
	f := newFixture(t)
	f.store.CreateErr = errors.New("disk full")
	in := mixedInput()
	in.IdempotencyKey = "req-2"

	_, err := f.svc.Submit(context.Background(), in)
	require.Error(t, err)
	require.NotContains(t, f.idem.keys, "req-2")
}

func TestSubmitAllocationFailure(t *testing.T) {
	f := newFixture(t)
	f.store.AllocateErr = errors.New("sequence table locked")

	_, err := f.svc.Submit(context.Background(), mixedInput())
	require.ErrorIs(t, err, adjustment.ErrAllocationFailed)
	require.Empty(t, f.transfers.requests)
}

func TestSubmitNotifierFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("queue down")

	sub, err := f.svc.Submit(context.Background(), mixedInput())
	require.NoError(t, err)
	require.Equal(t, 1, sub.Unit.Key.RecNumber)
}

func TestSubmitAuditFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	audit := &memoryAudit{err: errors.New("audit table locked")}
	svc := adjustment.NewService(adjustment.ServiceDeps{
		Store:  adjustmenttest.NewMemoryStore(),
		Audit:  audit,
		Logger: slog.New(slog.NewJSONHandler(&buf, nil)),
	}, adjustment.Options{DefaultLocation: "DMG", FiscalYearStartMonth: time.April})

	sub, err := svc.Submit(context.Background(), mixedInput())
	require.NoError(t, err)
	require.Len(t, audit.logs, 1)
	require.Contains(t, buf.String(), `"level":"WARN"`)
	require.Contains(t, buf.String(), "record audit")
	require.Contains(t, buf.String(), "audit table locked")
	require.Contains(t, buf.String(), sub.Unit.Key.String())
}

func TestSubmitUsesThresholdLevels(t *testing.T) {
	store := adjustmenttest.NewMemoryStore()
	store.SetThresholds("SMP", []adjustment.Threshold{
		{Level: 1, MinAmount: dec("0"), MaxAmount: dec("100")},
		{Level: 2, MinAmount: dec("100"), MaxAmount: dec("1000")},
		{Level: 3, MinAmount: dec("1000"), MaxAmount: dec("999999")},
	})
	svc := adjustment.NewService(adjustment.ServiceDeps{
		Store:  store,
		Levels: adjustment.ThresholdLevels{Source: store, Fallback: 2},
	}, adjustment.Options{DefaultLocation: "DMG"})

	// 5*12.50 + 2*40 + 1.5*10 = 157.50
	sub, err := svc.Submit(context.Background(), mixedInput())
	require.NoError(t, err)
	require.Equal(t, 2, sub.Unit.Ledger.LevelCount())
}

func TestThresholdLevels(t *testing.T) {
	store := adjustmenttest.NewMemoryStore()
	store.SetThresholds("SMP", []adjustment.Threshold{
		{Level: 1, MinAmount: dec("0")},
		{Level: 2, MinAmount: dec("500")},
		{Level: 3, MinAmount: dec("5000")},
	})
	policy := adjustment.ThresholdLevels{Source: store, Fallback: 4}
	ctx := context.Background()

	cases := []struct {
		company string
		amount  string
		want    int
	}{
		{"SMP", "10", 1},
		{"SMP", "500", 2},
		{"SMP", "4999.99", 2},
		{"SMP", "5000", 3},
		{"OTHER", "5000", 4},
	}
	for _, tc := range cases {
		got, err := policy.LevelCount(ctx, tc.company, dec(tc.amount))
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "%s %s", tc.company, tc.amount)
	}

	_, err := adjustment.StaticLevels(0).LevelCount(ctx, "SMP", decimal.Zero)
	require.Error(t, err)
}

func TestGetUnitAndListPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.Submit(ctx, mixedInput())
	require.NoError(t, err)

	unit, err := f.svc.GetUnit(ctx, sub.Unit.Key)
	require.NoError(t, err)
	require.Len(t, unit.Documents, 2)
	require.Equal(t, int64(7), unit.CreatedBy())

	pending, err := f.svc.ListPending(ctx, adjustment.PendingFilter{Level: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 3, pending[0].LineCount)
	require.True(t, dec("157.5").Equal(pending[0].Amount))

	none, err := f.svc.ListPending(ctx, adjustment.PendingFilter{Level: 2})
	require.NoError(t, err)
	require.Empty(t, none)

	_, err = f.svc.ListPending(ctx, adjustment.PendingFilter{})
	require.ErrorIs(t, err, adjustment.ErrInvalidInput)

	_, err = f.svc.GetUnit(ctx, approval.Key{FiscalYear: 202526, CompanyID: "SMP", Group: "ADJ", RecNumber: 99})
	require.ErrorIs(t, err, adjustment.ErrNotFound)
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, mixedInput())
	require.NoError(t, err)
	other := mixedInput()
	other.CreatorID = 8
	other.TransDate = may2025.AddDate(0, 1, 0)
	_, err = f.svc.Submit(ctx, other)
	require.NoError(t, err)

	from := time.Date(2025, time.May, 1, 15, 30, 0, 0, time.UTC)
	to := time.Date(2025, time.June, 30, 0, 0, 0, 0, time.UTC)
	creator := approval.ApproverIdentity{UserID: 7}
	rows, err := f.svc.Report(ctx, adjustment.ReportFilter{From: from, To: to, Viewer: creator})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, rows[0].Key.RecNumber)
	require.Equal(t, 2, rows[0].TotalLevels())
	require.Zero(t, rows[0].ApprovedCount())
	require.Equal(t, approval.DocumentState{Phase: approval.PhasePending, Level: 1}, rows[0].State)

	approver := approval.ApproverIdentity{UserID: 11, ApprovalLevel: 1}
	rows, err = f.svc.Report(ctx, adjustment.ReportFilter{From: from, To: to, Viewer: approver})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 2, rows[0].Key.RecNumber)

	rows, err = f.svc.Report(ctx, adjustment.ReportFilter{From: from, To: to, Viewer: approver, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = f.svc.Report(ctx, adjustment.ReportFilter{From: to, To: from, Viewer: approver})
	require.ErrorIs(t, err, adjustment.ErrInvalidInput)
	_, err = f.svc.Report(ctx, adjustment.ReportFilter{To: to, Viewer: approver})
	require.ErrorIs(t, err, adjustment.ErrInvalidInput)
	_, err = f.svc.Report(ctx, adjustment.ReportFilter{From: from, To: to})
	require.ErrorIs(t, err, adjustment.ErrInvalidInput)
}

func TestFiscalYear(t *testing.T) {
	cases := []struct {
		at    time.Time
		start time.Month
		want  int
	}{
		{time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), time.April, 202526},
		{time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC), time.April, 202526},
		{time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC), time.January, 202627},
		{time.Date(2099, time.December, 5, 0, 0, 0, 0, time.UTC), time.April, 209900},
		{time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC), 0, 202526},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, adjustment.FiscalYear(tc.at, tc.start), tc.at.String())
	}
}

func TestParseGroups(t *testing.T) {
	groups, err := adjustment.ParseGroups(" adj:10+12 , REV:14")
	require.NoError(t, err)
	g, ok := groups.GroupOf(adjustment.RecIncrease)
	require.True(t, ok)
	require.Equal(t, "ADJ", g)
	require.Equal(t, []adjustment.RecType{adjustment.RecDecrease, adjustment.RecIncrease}, groups.Members("ADJ"))
	require.Equal(t, []string{"ADJ", "REV"}, groups.Names())

	for _, bad := range []string{
		"ADJ10+12,REV:14",
		"ADJ:10+12",
		"ADJ:10+12+14",
		"ADJ:10+12,REV:14+10",
		"ADJ:10+x,REV:14",
		"ADJ:10+12+99,REV:14",
	} {
		_, err := adjustment.ParseGroups(bad)
		require.Error(t, err, bad)
	}
}
