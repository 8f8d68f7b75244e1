package adjustmenthttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/erp"
	"github.com/odyssey-erp/stockflow/internal/platform/httpx"
	"github.com/odyssey-erp/stockflow/internal/saga"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// HeaderIdempotencyKey deduplicates submissions.
const HeaderIdempotencyKey = "Idempotency-Key"

const enrichTimeout = 2 * time.Second

// AdjustmentService creates units and serves read models.
type AdjustmentService interface {
	Submit(ctx context.Context, input adjustment.SubmitInput) (adjustment.Submission, error)
	GetUnit(ctx context.Context, key approval.Key) (adjustment.Unit, error)
	ListPending(ctx context.Context, filter adjustment.PendingFilter) ([]adjustment.UnitSummary, error)
	Report(ctx context.Context, filter adjustment.ReportFilter) ([]adjustment.ReportRow, error)
}

// ApprovalProcessor runs approver actions.
type ApprovalProcessor interface {
	ProcessApprovalAction(ctx context.Context, req saga.ActionRequest) (saga.ActionResult, error)
}

// Catalog serves item and location lookups.
type Catalog interface {
	Items(ctx context.Context, companyID, term string) ([]erp.Item, error)
	Locations(ctx context.Context, companyID, term string) ([]erp.Location, error)
	ItemsByCode(ctx context.Context, companyID string) (map[string]erp.Item, error)
	LocationsByCode(ctx context.Context, companyID string) (map[string]erp.Location, error)
}

// HistoryReader lists the recorded approval transitions of a unit.
type HistoryReader interface {
	List(ctx context.Context, unit string) ([]shared.ApprovalLog, error)
}

// Options tunes the handler. A nil History disables the history route.
type Options struct {
	ActionLimit  int
	ActionWindow time.Duration
	History      HistoryReader
}

// Handler serves the stock adjustment JSON API.
type Handler struct {
	logger       *slog.Logger
	adjustments  AdjustmentService
	approvals    ApprovalProcessor
	catalog      Catalog
	history      HistoryReader
	validate     *validator.Validate
	actionLimit  int
	actionWindow time.Duration
}

// NewHandler constructs the adjustment HTTP handler. A nil catalog disables
// the catalog routes and line enrichment.
func NewHandler(logger *slog.Logger, adjustments AdjustmentService, approvals ApprovalProcessor, catalog Catalog, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ActionLimit <= 0 {
		opts.ActionLimit = 30
	}
	if opts.ActionWindow <= 0 {
		opts.ActionWindow = time.Minute
	}
	return &Handler{
		logger:       logger,
		adjustments:  adjustments,
		approvals:    approvals,
		catalog:      catalog,
		history:      opts.History,
		validate:     newValidator(),
		actionLimit:  opts.ActionLimit,
		actionWindow: opts.ActionWindow,
	}
}

// MountRoutes registers the API routes. Callers mount it behind the identity
// middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(h.actionLimit, h.actionWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "approval action rate limit exceeded")
		}),
	)

	r.Post("/adjustments", h.handleSubmit)
	r.Get("/adjustments/{year}/{company}/{group}/{number}", h.handleGetUnit)
	if h.history != nil {
		r.Get("/adjustments/{year}/{company}/{group}/{number}/history", h.handleHistory)
	}
	r.Get("/approvals/pending", h.handlePending)
	r.Get("/reports/adjustments", h.handleReport)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/approvals/{year}/{company}/{group}/{number}/levels/{level}", h.handleAction)
	})
	if h.catalog != nil {
		r.Get("/catalog/items", h.handleItems)
		r.Get("/catalog/locations", h.handleLocations)
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func rateLimitKey(r *http.Request) (string, error) {
	if id, ok := shared.IdentityFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(id.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}
	input, err := req.toInput(identity.UserID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	input.IdempotencyKey = strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))

	sub, err := h.adjustments.Submit(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newSubmitResponse(sub))
}

func (h *Handler) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	key, err := parseKey(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	unit, err := h.adjustments.GetUnit(r.Context(), key)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	view := newUnitView(unit)
	h.enrich(r.Context(), unit.Key.CompanyID, &view)
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	key, err := parseKey(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	logs, err := h.history.List(r.Context(), key.String())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newHistoryResponse(key, logs))
}

// enrich decorates lines with catalog descriptions. Catalog failures leave the
// view unenriched.
func (h *Handler) enrich(ctx context.Context, companyID string, view *unitView) {
	if h.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	var (
		items     map[string]erp.Item
		locations map[string]erp.Location
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = h.catalog.ItemsByCode(gctx, companyID)
		return err
	})
	g.Go(func() error {
		var err error
		locations, err = h.catalog.LocationsByCode(gctx, companyID)
		return err
	})
	if err := g.Wait(); err != nil {
		h.logger.Warn("catalog enrichment", slog.String("company", companyID), slog.Any("error", err))
		return
	}
	for d := range view.Documents {
		for l := range view.Documents[d].Lines {
			line := &view.Documents[d].Lines[l]
			if item, ok := items[line.ItemCode]; ok {
				line.ItemDesc = item.Desc
				line.StockUnit = item.StockUnit
			}
			if loc, ok := locations[line.FromLocation]; ok {
				line.FromLocationDesc = loc.Desc
			}
			if loc, ok := locations[line.ToLocation]; ok {
				line.ToLocationDesc = loc.Desc
			}
		}
	}
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	if identity.ApprovalLevel < 1 {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "caller is not an approver")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	units, err := h.adjustments.ListPending(r.Context(), adjustment.PendingFilter{
		CompanyID: strings.TrimSpace(r.URL.Query().Get("company")),
		Level:     identity.ApprovalLevel,
		Limit:     limit,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]pendingView, 0, len(units))
	for _, u := range units {
		out = append(out, newPendingView(u))
	}
	httpx.JSON(w, http.StatusOK, pendingResponse{Level: identity.ApprovalLevel, Units: out})
}

// handleReport lists the adjustment units dated between from and to. The
// service scopes the rows to what the caller may see.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := parseDate(q.Get("from"), "from")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	to, err := parseDate(q.Get("to"), "to")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rows, err := h.adjustments.Report(r.Context(), adjustment.ReportFilter{
		CompanyID: strings.TrimSpace(q.Get("company")),
		From:      from,
		To:        to,
		Viewer:    identity,
		Limit:     limit,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newReportResponse(from, to, rows))
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	key, err := parseKey(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil || level < 1 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "level must be a positive integer")
		return
	}
	var req actionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondValidation(w, err)
		return
	}

	result, err := h.approvals.ProcessApprovalAction(r.Context(), saga.ActionRequest{
		Key:      key,
		Level:    level,
		Action:   approval.Action(req.Action),
		Approver: identity,
		Comments: strings.TrimSpace(req.Comments),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newActionResponse(result))
}

func (h *Handler) handleItems(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	q := r.URL.Query()
	items, err := h.catalog.Items(r.Context(), q.Get("company"), q.Get("term"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]itemView, 0, len(items))
	for _, item := range items {
		out = append(out, itemView{ItemNo: item.ItemNo, Desc: item.Desc, StockUnit: item.StockUnit, StdCost: item.StdCost, Category: item.Category})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleLocations(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	q := r.URL.Query()
	locations, err := h.catalog.Locations(r.Context(), q.Get("company"), q.Get("term"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	out := make([]locationView, 0, len(locations))
	for _, loc := range locations {
		out = append(out, locationView{Code: loc.Code, Desc: loc.Desc, City: loc.City})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (approval.ApproverIdentity, bool) {
	identity, ok := shared.IdentityFromContext(r.Context())
	if !ok || identity.UserID == 0 {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "caller identity missing")
		return approval.ApproverIdentity{}, false
	}
	return identity, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func parseDate(raw, field string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, httpx.Mark(fmt.Errorf("%s date required", field), httpx.ErrValidation)
	}
	d, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, httpx.Mark(fmt.Errorf("%s: %w", field, err), httpx.ErrValidation)
	}
	return d, nil
}

func parseKey(r *http.Request) (approval.Key, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil || year <= 0 {
		return approval.Key{}, httpx.Mark(errBadPath("year"), httpx.ErrValidation)
	}
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		return approval.Key{}, httpx.Mark(errBadPath("number"), httpx.ErrValidation)
	}
	company := strings.TrimSpace(chi.URLParam(r, "company"))
	group := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "group")))
	if company == "" || group == "" {
		return approval.Key{}, httpx.Mark(errBadPath("company or group"), httpx.ErrValidation)
	}
	return approval.Key{FiscalYear: year, CompanyID: company, Group: group, RecNumber: number}, nil
}
