package adjustment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/erp"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Store persists documents, their ledgers and sync history.
type Store interface {
	AllocateRecordNumber(ctx context.Context, fiscalYear int, companyID, group string) (int, error)
	CreateDocuments(ctx context.Context, ledger approval.Ledger, docs []Document) error
	LoadUnit(ctx context.Context, key approval.Key) (Unit, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]UnitSummary, error)
	Report(ctx context.Context, filter ReportFilter) ([]ReportRow, error)
	RecordTransfer(ctx context.Context, key DocumentKey, docNumber string) error
	DeleteDocument(ctx context.Context, key DocumentKey) error
	RecordSync(ctx context.Context, log SyncLog) error
}

// TransferSender pushes transfer entries to the external ledger.
type TransferSender interface {
	SendTransfer(ctx context.Context, req erp.TransferRequest) erp.SyncResult
}

// CreationNotifier announces new units to level-one approvers.
type CreationNotifier interface {
	NotifyCreated(ctx context.Context, key approval.Key, creatorID int64) error
}

// IdempotencyPort guards against duplicate submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// PendingFilter narrows the pending list.
type PendingFilter struct {
	CompanyID string
	Level     int
	Limit     int
}

// Options carries company-wide settings.
type Options struct {
	DefaultLocation      string
	FiscalYearStartMonth time.Month
	Groups               Groups
}

// ServiceDeps groups the collaborators of Service.
type ServiceDeps struct {
	Store       Store
	Transfers   TransferSender
	Notifier    CreationNotifier
	Idempotency IdempotencyPort
	Audit       AuditPort
	Levels      LevelPolicy
	Logger      *slog.Logger
}

// Service creates stock documents and serves read models.
type Service struct {
	store       Store
	transfers   TransferSender
	notifier    CreationNotifier
	idempotency IdempotencyPort
	audit       AuditPort
	levels      LevelPolicy
	opts        Options
	logger      *slog.Logger
	clock       func() time.Time
}

const idempotencyModule = "stock_adjustment"

// NewService builds Service.
func NewService(deps ServiceDeps, opts Options) *Service {
	if opts.Groups.byType == nil {
		opts.Groups = DefaultGroups()
	}
	if deps.Levels == nil {
		deps.Levels = StaticLevels(2)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       deps.Store,
		transfers:   deps.Transfers,
		notifier:    deps.Notifier,
		idempotency: deps.Idempotency,
		audit:       deps.Audit,
		levels:      deps.Levels,
		opts:        opts,
		logger:      logger,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// LineInput is a requested line before normalisation.
type LineInput struct {
	RecType      RecType
	ItemCode     string
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	FromLocation string
	ToLocation   string
}

// SubmitInput is a request to create one approval unit.
type SubmitInput struct {
	CompanyID      string
	TransDate      time.Time
	CreatorID      int64
	Lines          []LineInput
	IdempotencyKey string
}

// TransferOutcome reports the immediate transfer push of a document.
type TransferOutcome struct {
	Document DocumentKey
	Result   erp.SyncResult
}

// Submission is the created unit plus any transfers pushed on creation.
type Submission struct {
	Unit      Unit
	Transfers []TransferOutcome
}

// Submit validates the lines, creates the unit's documents together with a
// pending ledger, then pushes decrease documents to the external ledger as
// transfers. Transfer failures are reported, not returned as errors.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (Submission, error) {
	companyID := strings.TrimSpace(input.CompanyID)
	if companyID == "" {
		return Submission{}, fmt.Errorf("%w: company required", ErrInvalidInput)
	}
	if input.CreatorID == 0 {
		return Submission{}, fmt.Errorf("%w: creator required", ErrInvalidInput)
	}
	if len(input.Lines) == 0 {
		return Submission{}, fmt.Errorf("%w: at least one line required", ErrInvalidInput)
	}
	transDate := input.TransDate
	if transDate.IsZero() {
		transDate = s.clock()
	}

	byType := make(map[RecType][]LineItem)
	group := ""
	for i, in := range input.Lines {
		line, err := s.normalizeLine(i+1, in)
		if err != nil {
			return Submission{}, err
		}
		g, ok := s.opts.Groups.GroupOf(in.RecType)
		if !ok {
			return Submission{}, fmt.Errorf("%w: line %d: rec type %d has no group", ErrInvalidLine, i+1, in.RecType)
		}
		if group != "" && g != group {
			return Submission{}, fmt.Errorf("%w: lines span rec groups %s and %s", ErrInvalidInput, group, g)
		}
		group = g
		line.Sno = len(byType[in.RecType]) + 1
		byType[in.RecType] = append(byType[in.RecType], line)
	}

	insertedKey := false
	if input.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, input.IdempotencyKey, idempotencyModule); err != nil {
			return Submission{}, err
		}
		insertedKey = true
	}
	releaseKey := func() {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, input.IdempotencyKey)
		}
	}

	fiscalYear := FiscalYear(transDate, s.opts.FiscalYearStartMonth)
	recNumber, err := s.store.AllocateRecordNumber(ctx, fiscalYear, companyID, group)
	if err != nil {
		releaseKey()
		return Submission{}, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	now := s.clock()
	types := make([]RecType, 0, len(byType))
	for rt := range byType {
		types = append(types, rt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	docs := make([]Document, 0, len(types))
	amount := decimal.Zero
	for _, rt := range types {
		doc := Document{
			Key:       DocumentKey{FiscalYear: fiscalYear, CompanyID: companyID, RecType: rt, RecNumber: recNumber},
			Group:     group,
			TransDate: transDate,
			CreatedBy: input.CreatorID,
			Lines:     byType[rt],
			CreatedAt: now,
		}
		amount = amount.Add(doc.Amount())
		docs = append(docs, doc)
	}

	levelCount, err := s.levels.LevelCount(ctx, companyID, amount)
	if err != nil {
		releaseKey()
		return Submission{}, err
	}
	key := approval.Key{FiscalYear: fiscalYear, CompanyID: companyID, Group: group, RecNumber: recNumber}
	ledger := approval.NewLedger(key, levelCount)
	if err := s.store.CreateDocuments(ctx, ledger, docs); err != nil {
		releaseKey()
		return Submission{}, fmt.Errorf("adjustment: create documents: %w", err)
	}

	sub := Submission{Unit: Unit{Key: key, Documents: docs, Ledger: ledger}}
	for i, doc := range sub.Unit.Documents {
		if doc.Kind() != KindDecrease || s.transfers == nil {
			continue
		}
		result := s.pushTransfer(ctx, doc)
		if result.Success {
			sub.Unit.Documents[i].TransferDocNumber = result.ExternalDocNumber
		}
		sub.Transfers = append(sub.Transfers, TransferOutcome{Document: doc.Key, Result: result})
	}

	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  input.CreatorID,
			Action:   "stock_adjustment:create",
			Entity:   "stock_unit",
			EntityID: key.String(),
			Meta: map[string]any{
				"levels":    levelCount,
				"documents": len(docs),
				"amount":    amount.String(),
			},
			At: now,
		})
		if err != nil {
			s.logger.Warn("record audit", slog.String("unit", key.String()), slog.Any("error", err))
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyCreated(ctx, key, input.CreatorID); err != nil {
			s.logger.Warn("notify created", slog.String("unit", key.String()), slog.Any("error", err))
		}
	}
	return sub, nil
}

// pushTransfer sends the document's transfer entry and records the outcome.
func (s *Service) pushTransfer(ctx context.Context, doc Document) erp.SyncResult {
	result := s.transfers.SendTransfer(ctx, doc.TransferRequest())
	if err := s.store.RecordSync(ctx, NewSyncLog(doc.Key, result)); err != nil {
		s.logger.Warn("record sync log", slog.String("document", doc.Key.String()), slog.Any("error", err))
	}
	if !result.Success {
		s.logger.Warn("transfer push failed",
			slog.String("document", doc.Key.String()),
			slog.String("errors", result.ErrorText()),
		)
		return result
	}
	if err := s.store.RecordTransfer(ctx, doc.Key, result.ExternalDocNumber); err != nil {
		s.logger.Error("record transfer number", slog.String("document", doc.Key.String()), slog.Any("error", err))
	}
	return result
}

func (s *Service) normalizeLine(n int, in LineInput) (LineItem, error) {
	line := LineItem{
		ItemCode:     strings.TrimSpace(in.ItemCode),
		Quantity:     in.Quantity,
		UnitCost:     in.UnitCost,
		FromLocation: strings.TrimSpace(in.FromLocation),
		ToLocation:   strings.TrimSpace(in.ToLocation),
	}
	switch {
	case in.RecType != RecIncrease && in.RecType != RecDecrease:
		return LineItem{}, fmt.Errorf("%w: line %d: rec type %d cannot be submitted", ErrInvalidLine, n, in.RecType)
	case line.ItemCode == "":
		return LineItem{}, fmt.Errorf("%w: line %d: item code required", ErrInvalidLine, n)
	case !line.Quantity.IsPositive():
		return LineItem{}, fmt.Errorf("%w: line %d: quantity must be positive", ErrInvalidLine, n)
	case line.UnitCost.IsNegative():
		return LineItem{}, fmt.Errorf("%w: line %d: unit cost must not be negative", ErrInvalidLine, n)
	case line.FromLocation == "":
		return LineItem{}, fmt.Errorf("%w: line %d: location required", ErrInvalidLine, n)
	}
	switch in.RecType {
	case RecIncrease:
		if line.ToLocation == "" {
			line.ToLocation = line.FromLocation
		}
		if line.ToLocation != line.FromLocation {
			return LineItem{}, fmt.Errorf("%w: line %d: increase must keep from and to location equal", ErrInvalidLine, n)
		}
	case RecDecrease:
		def := strings.TrimSpace(s.opts.DefaultLocation)
		if def == "" {
			return LineItem{}, errors.New("adjustment: default location not configured")
		}
		if line.ToLocation != "" && line.ToLocation != def {
			return LineItem{}, fmt.Errorf("%w: line %d: decrease must move to %s", ErrInvalidLine, n, def)
		}
		if line.FromLocation == def {
			return LineItem{}, fmt.Errorf("%w: line %d: decrease cannot start at %s", ErrInvalidLine, n, def)
		}
		line.ToLocation = def
	}
	return line, nil
}

// GetUnit loads a unit with its documents and ledger.
func (s *Service) GetUnit(ctx context.Context, key approval.Key) (Unit, error) {
	return s.store.LoadUnit(ctx, key)
}

// ListPending lists units awaiting a decision at the given level.
func (s *Service) ListPending(ctx context.Context, filter PendingFilter) ([]UnitSummary, error) {
	if filter.Level < 1 {
		return nil, fmt.Errorf("%w: approval level required", ErrInvalidInput)
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 200
	}
	return s.store.ListPending(ctx, filter)
}

// Groups exposes the configured rec-type groups.
func (s *Service) Groups() Groups {
	return s.opts.Groups
}
