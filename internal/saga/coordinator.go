// Package saga runs approval actions end to end: the ledger commit, the
// external ledger calls that follow terminal transitions, and the
// compensating steps taken when those calls fail.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/erp"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Store is the persistence contract of the coordinator.
type Store interface {
	LoadUnit(ctx context.Context, key approval.Key) (adjustment.Unit, error)
	LoadLedger(ctx context.Context, key approval.Key) (approval.Ledger, error)
	ConditionalUpdateLevel(ctx context.Context, key approval.Key, level int, expected approval.Status, rec approval.LevelRecord) (bool, error)
	MarkSynced(ctx context.Context, key approval.Key, docNumber string, at time.Time) error
	RecordTransfer(ctx context.Context, key adjustment.DocumentKey, docNumber string) error
	RecordSync(ctx context.Context, log adjustment.SyncLog) error
	DeleteDocument(ctx context.Context, key adjustment.DocumentKey) error
}

// LedgerClient pushes documents to the external ledger. Calls never return
// errors; failures are reported in the result.
type LedgerClient interface {
	SendAdjustment(ctx context.Context, req erp.AdjustmentRequest) erp.SyncResult
	SendTransfer(ctx context.Context, req erp.TransferRequest) erp.SyncResult
}

// Reversals creates compensating documents for rejected ones.
type Reversals interface {
	Generate(ctx context.Context, original adjustment.Document, actorID int64) (adjustment.Document, error)
}

// Notifier announces transitions. Failures never affect the action result.
type Notifier interface {
	NotifyLevelAdvanced(ctx context.Context, key approval.Key, level int) error
	NotifyFullyApproved(ctx context.Context, key approval.Key, creatorID int64, docNumber string) error
	NotifyRejected(ctx context.Context, key approval.Key, level int, creatorID int64, comments string) error
}

// HistoryPort records approval transitions.
type HistoryPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// AuditPort records business events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Deps groups the collaborators of Coordinator.
type Deps struct {
	Store     Store
	Ledger    LedgerClient
	Reversals Reversals
	Notifier  Notifier
	History   HistoryPort
	Audit     AuditPort
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Coordinator processes approval actions for every company and rec-type group.
type Coordinator struct {
	store     Store
	ledger    LedgerClient
	reversals Reversals
	notifier  Notifier
	history   HistoryPort
	audit     AuditPort
	metrics   *Metrics
	logger    *slog.Logger
	clock     func() time.Time
}

// NewCoordinator builds Coordinator.
func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     deps.Store,
		ledger:    deps.Ledger,
		reversals: deps.Reversals,
		notifier:  deps.Notifier,
		history:   deps.History,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		logger:    logger.With(slog.String("component", "saga")),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// ActionRequest is one approver decision on one level of a unit.
type ActionRequest struct {
	Key      approval.Key
	Level    int
	Action   approval.Action
	Approver approval.ApproverIdentity
	Comments string
}

// ReversalOutcome reports one reversal created for a rejected document.
type ReversalOutcome struct {
	Original          adjustment.DocumentKey
	Reversal          adjustment.DocumentKey
	Synced            bool
	TransferDocNumber string
	Errors            []string
}

// ActionResult describes what an accepted action did.
type ActionResult struct {
	Key               approval.Key
	Effect            approval.Effect
	State             approval.DocumentState
	ExternalDocNumber string
	Reversals         []ReversalOutcome
	Message           string
}

// ProcessApprovalAction decides, commits and follows through on an approver
// action. Precondition failures leave the ledger untouched. A failed sync
// after the final approval returns the level to pending and a
// *SyncFailedError.
func (c *Coordinator) ProcessApprovalAction(ctx context.Context, req ActionRequest) (ActionResult, error) {
	if req.Key.IsZero() {
		return ActionResult{}, fmt.Errorf("%w: empty unit key", approval.ErrUnknownLevel)
	}
	unit, err := c.store.LoadUnit(ctx, req.Key)
	if err != nil {
		return ActionResult{}, err
	}
	now := c.clock()
	decision, err := approval.Decide(unit.Ledger, req.Level, req.Action, req.Approver, req.Comments, now)
	if err != nil {
		c.metrics.action(string(req.Action), outcomeOf(err))
		return ActionResult{}, err
	}

	ok, err := c.store.ConditionalUpdateLevel(ctx, req.Key, req.Level, approval.StatusPending, decision.Record)
	if err != nil {
		c.metrics.action(string(req.Action), "error")
		return ActionResult{}, fmt.Errorf("saga: commit level %d of %s: %w", req.Level, req.Key, err)
	}
	if !ok {
		c.metrics.action(string(req.Action), "conflict")
		return ActionResult{}, fmt.Errorf("%w: level %d of %s was decided concurrently", approval.ErrAlreadyDecided, req.Level, req.Key)
	}
	unit.Ledger = decision.Ledger

	// Past the commit point every write must land even if the caller goes
	// away; the ERP client's own timeout bounds the external calls.
	ctx = context.WithoutCancel(ctx)
	c.recordHistory(ctx, req.Key, decision.Record, historyAction(req.Action))

	result := ActionResult{Key: req.Key, Effect: decision.Effect, State: decision.Ledger.State()}
	switch decision.Effect.Kind {
	case approval.EffectAdvanced:
		result.Message = fmt.Sprintf("Level %d approved; awaiting level %d.", req.Level, decision.Effect.NextLevel)
		c.metrics.action(string(req.Action), "advanced")
		c.notify(ctx, "level advanced", req.Key, func(ctx context.Context) error {
			return c.notifier.NotifyLevelAdvanced(ctx, req.Key, decision.Effect.NextLevel)
		})
		return result, nil
	case approval.EffectFullyApproved:
		return c.finalize(ctx, unit, req, result)
	case approval.EffectRejected:
		return c.reject(ctx, unit, req, result)
	default:
		return result, fmt.Errorf("saga: unexpected effect %s", decision.Effect.Kind)
	}
}

// finalize posts the approved unit to the external ledger. On failure the
// final level is returned to pending.
func (c *Coordinator) finalize(ctx context.Context, unit adjustment.Unit, req ActionRequest, result ActionResult) (ActionResult, error) {
	sync := c.ledger.SendAdjustment(ctx, unit.AdjustmentRequest())
	c.metrics.sync(sync.Endpoint, sync.Success, sync.Duration)
	for _, doc := range unit.Documents {
		c.recordSync(ctx, doc.Key, sync)
	}

	if sync.Success {
		if err := c.store.MarkSynced(ctx, req.Key, sync.ExternalDocNumber, c.clock()); err != nil {
			c.logger.Error("mark synced",
				slog.String("unit", req.Key.String()),
				slog.String("doc_number", sync.ExternalDocNumber),
				slog.Any("error", err),
			)
		}
		c.metrics.action(string(req.Action), "fully_approved")
		c.recordAudit(ctx, req.Approver.UserID, "stock_adjustment:synced", req.Key, map[string]any{
			"doc_number": sync.ExternalDocNumber,
			"level":      req.Level,
		})
		result.ExternalDocNumber = sync.ExternalDocNumber
		result.Message = fmt.Sprintf("Fully approved and posted to the external ledger as %s.", sync.ExternalDocNumber)
		creator := unit.CreatedBy()
		c.notify(ctx, "fully approved", req.Key, func(ctx context.Context) error {
			return c.notifier.NotifyFullyApproved(ctx, req.Key, creator, sync.ExternalDocNumber)
		})
		return result, nil
	}

	syncErr := &SyncFailedError{Key: req.Key, Level: req.Level, Errors: syncErrors(sync)}
	rolledBack, err := c.store.ConditionalUpdateLevel(ctx, req.Key, req.Level, approval.StatusApproved,
		approval.LevelRecord{Level: req.Level, Status: approval.StatusPending})
	switch {
	case err != nil:
		c.logger.Error("rollback approval",
			slog.String("unit", req.Key.String()),
			slog.Int("level", req.Level),
			slog.Any("error", err),
		)
	case !rolledBack:
		// Already pending: a previous compensation or a concurrent revert won.
		syncErr.RolledBack = c.levelPending(ctx, req.Key, req.Level)
	default:
		syncErr.RolledBack = true
		c.metrics.compensation("approval_rollback")
		c.recordHistory(ctx, req.Key, approval.LevelRecord{
			Level:      req.Level,
			ApproverID: req.Approver.UserID,
			DecidedAt:  c.clock(),
			Comments:   sync.ErrorText(),
		}, shared.ApprovalRevert)
	}
	c.metrics.action(string(req.Action), "sync_failed")
	c.logger.Warn("final approval sync failed",
		slog.String("unit", req.Key.String()),
		slog.Int("level", req.Level),
		slog.Bool("rolled_back", syncErr.RolledBack),
		slog.String("errors", sync.ErrorText()),
	)
	if syncErr.RolledBack {
		if ledger, err := c.store.LoadLedger(ctx, req.Key); err == nil {
			result.State = ledger.State()
		}
	}
	result.Message = syncErr.Message()
	return result, syncErr
}

func (c *Coordinator) levelPending(ctx context.Context, key approval.Key, level int) bool {
	ledger, err := c.store.LoadLedger(ctx, key)
	if err != nil {
		return false
	}
	rec, ok := ledger.Record(level)
	return ok && rec.Status == approval.StatusPending
}

// reject creates and pushes a reversal for every movement document of the
// unit. Reversal documents themselves are never reversed.
func (c *Coordinator) reject(ctx context.Context, unit adjustment.Unit, req ActionRequest, result ActionResult) (ActionResult, error) {
	var failures []string
	for _, doc := range unit.Documents {
		if doc.Kind() == adjustment.KindReversal {
			continue
		}
		rev, err := c.reversals.Generate(ctx, doc, req.Approver.UserID)
		if err != nil {
			c.metrics.action(string(req.Action), "reversal_failed")
			result.Message = fmt.Sprintf("Rejected at level %d, but creating the reversal of %s failed.", req.Level, doc.Key)
			return result, fmt.Errorf("saga: reverse %s: %w", doc.Key, err)
		}
		outcome := ReversalOutcome{Original: doc.Key, Reversal: rev.Key}

		sync := c.ledger.SendTransfer(ctx, rev.TransferRequest())
		c.metrics.sync(sync.Endpoint, sync.Success, sync.Duration)
		c.recordSync(ctx, rev.Key, sync)
		if sync.Success {
			outcome.Synced = true
			outcome.TransferDocNumber = sync.ExternalDocNumber
			if err := c.store.RecordTransfer(ctx, rev.Key, sync.ExternalDocNumber); err != nil {
				c.logger.Error("record reversal transfer", slog.String("document", rev.Key.String()), slog.Any("error", err))
			}
		} else {
			outcome.Errors = syncErrors(sync)
			failures = append(failures, fmt.Sprintf("reversal %s of %s failed to sync (%s) and was discarded", rev.Key, doc.Key, sync.ErrorText()))
			if err := c.store.DeleteDocument(ctx, rev.Key); err != nil {
				c.logger.Error("discard unsynced reversal", slog.String("document", rev.Key.String()), slog.Any("error", err))
			} else {
				c.metrics.compensation("reversal_discarded")
			}
		}
		result.Reversals = append(result.Reversals, outcome)
	}

	c.recordAudit(ctx, req.Approver.UserID, "stock_adjustment:reject", req.Key, map[string]any{
		"level":     req.Level,
		"reversals": len(result.Reversals),
		"failures":  len(failures),
	})
	c.metrics.action(string(req.Action), "rejected")

	var msg strings.Builder
	fmt.Fprintf(&msg, "Rejected at level %d.", req.Level)
	created := 0
	for _, o := range result.Reversals {
		if o.Synced {
			created++
		}
	}
	if created > 0 {
		fmt.Fprintf(&msg, " %d reversal document(s) created.", created)
	}
	for _, f := range failures {
		msg.WriteString(" ")
		msg.WriteString(strings.ToUpper(f[:1]) + f[1:] + ".")
	}
	result.Message = msg.String()

	creator := unit.CreatedBy()
	c.notify(ctx, "rejected", req.Key, func(ctx context.Context) error {
		return c.notifier.NotifyRejected(ctx, req.Key, req.Level, creator, req.Comments)
	})
	return result, nil
}

// notify runs outside the request's cancellation so a client disconnect
// after the commit does not drop the announcement.
func (c *Coordinator) notify(ctx context.Context, event string, key approval.Key, send func(context.Context) error) {
	if c.notifier == nil {
		return
	}
	if err := send(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("unit", key.String()),
			slog.Any("error", err),
		)
	}
}

func (c *Coordinator) recordSync(ctx context.Context, doc adjustment.DocumentKey, result erp.SyncResult) {
	log := adjustment.NewSyncLog(doc, result)
	log.CreatedAt = c.clock()
	if err := c.store.RecordSync(ctx, log); err != nil {
		c.logger.Warn("record sync log", slog.String("document", doc.String()), slog.Any("error", err))
	}
}

func (c *Coordinator) recordHistory(ctx context.Context, key approval.Key, rec approval.LevelRecord, action shared.ApprovalAction) {
	if c.history == nil {
		return
	}
	err := c.history.Record(ctx, shared.ApprovalLog{
		Unit:    key.String(),
		Level:   rec.Level,
		ActorID: rec.ApproverID,
		Action:  action,
		Note:    rec.Comments,
		At:      rec.DecidedAt,
	})
	if err != nil {
		c.logger.Warn("record approval history", slog.String("unit", key.String()), slog.Any("error", err))
	}
}

func (c *Coordinator) recordAudit(ctx context.Context, actorID int64, action string, key approval.Key, meta map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_unit",
		EntityID: key.String(),
		Meta:     meta,
		At:       c.clock(),
	}); err != nil {
		c.logger.Warn("record audit", slog.String("unit", key.String()), slog.Any("error", err))
	}
}

func historyAction(a approval.Action) shared.ApprovalAction {
	if a == approval.ActionReject {
		return shared.ApprovalReject
	}
	return shared.ApprovalApprove
}

func syncErrors(r erp.SyncResult) []string {
	if len(r.Errors) > 0 {
		return append([]string(nil), r.Errors...)
	}
	return []string{r.ErrorText()}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, approval.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, approval.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, approval.ErrAlreadyDecided):
		return "already_decided"
	default:
		return "invalid"
	}
}
