package adjustmenthttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/platform/httpx"
	"github.com/odyssey-erp/stockflow/internal/saga"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

func errBadPath(part string) error {
	return fmt.Errorf("invalid %s in path", part)
}

// respondError maps domain errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var syncErr *saga.SyncFailedError
	switch {
	case errors.As(err, &syncErr):
		h.logger.Warn("ledger sync failed",
			slog.String("unit", syncErr.Key.String()),
			slog.Bool("rolled_back", syncErr.RolledBack),
			slog.Any("error", err),
		)
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Title:  "Ledger Sync Failed",
			Status: http.StatusBadGateway,
			Detail: syncErr.Message(),
			Extra: map[string]any{
				"errors":      syncErr.Errors,
				"rolled_back": syncErr.RolledBack,
			},
		})
	case errors.Is(err, adjustment.ErrAllocationFailed):
		h.logger.Error("allocate record number", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Allocation Failed", err.Error())
	case errors.Is(err, approval.ErrUnauthorized):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrForbidden))
	case errors.Is(err, approval.ErrOutOfOrder),
		errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrConflict))
	case errors.Is(err, adjustment.ErrNotFound):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrNotFound))
	case errors.Is(err, approval.ErrUnknownLevel),
		errors.Is(err, approval.ErrInvalidAction),
		errors.Is(err, adjustment.ErrInvalidInput),
		errors.Is(err, adjustment.ErrInvalidLine),
		errors.Is(err, catalog.ErrCompanyRequired):
		httpx.RespondError(w, httpx.Mark(err, httpx.ErrValidation))
	case errors.Is(err, httpx.ErrValidation):
		httpx.RespondError(w, err)
	default:
		h.logger.Error("request failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (h *Handler) respondValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		fields[field] = fe.Tag()
	}
	httpx.ProblemWith(w, httpx.ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: "request body failed validation",
		Extra:  map[string]any{"fields": fields},
	})
}
