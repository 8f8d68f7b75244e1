package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/platform/httpx"
	"github.com/odyssey-erp/stockflow/internal/shared"
)

// HeaderUserID carries the caller id set by the authenticating proxy.
const HeaderUserID = "X-User-ID"

// IdentityResolver resolves a user id into an approval identity.
type IdentityResolver interface {
	Identity(ctx context.Context, id int64) (approval.ApproverIdentity, error)
}

// Handler serves the identity middleware and the caller endpoint.
type Handler struct {
	logger   *slog.Logger
	resolver IdentityResolver
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, resolver IdentityResolver) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, resolver: resolver}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
}

// RequireIdentity resolves the caller once per request and stores it in the
// request context. Requests without a known active user are refused.
func (h *Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if raw == "" {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing "+HeaderUserID+" header")
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "malformed "+HeaderUserID+" header")
			return
		}
		identity, err := h.resolver.Identity(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrUserInactive):
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "unknown or inactive user")
			default:
				h.logger.Error("resolve identity", slog.Int64("user_id", id), slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), identity)))
	})
}

type meResponse struct {
	UserID        int64  `json:"user_id"`
	Name          string `json:"name"`
	ApprovalLevel int    `json:"approval_level"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	identity, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}
	httpx.JSON(w, http.StatusOK, meResponse{UserID: identity.UserID, Name: identity.Name, ApprovalLevel: identity.ApprovalLevel})
}
