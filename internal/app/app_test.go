package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/approval"
	"github.com/odyssey-erp/stockflow/internal/observability"
	"github.com/odyssey-erp/stockflow/internal/users"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("APP_DEFAULT_LOCATION", "DMG")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 2, cfg.ApprovalLevels)
	require.Equal(t, 60*time.Second, cfg.ERPTimeout)

	opts := cfg.AdjustmentOptions()
	require.Equal(t, "DMG", opts.DefaultLocation)
	require.Equal(t, time.April, opts.FiscalYearStartMonth)
	require.Equal(t, []string{"ADJ", "REV"}, opts.Groups.Names())
	require.Equal(t, "SAGE", cfg.ERPConfig().TransferPrefix)
	require.Equal(t, "REV", cfg.ERPConfig().ReversalPrefix)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APPROVAL_LEVELS", "0")
	t.Setenv("FISCAL_YEAR_START_MONTH", "13")
	t.Setenv("APPROVAL_REC_GROUPS", "ADJ:10+12+14")
	_, err := LoadConfig()
	require.Error(t, err)
	for _, want := range []string{"APPROVAL_LEVELS", "FISCAL_YEAR_START_MONTH", "APPROVAL_REC_GROUPS"} {
		require.Contains(t, err.Error(), want)
	}
}

func TestLoadConfigRequiresDefaultLocation(t *testing.T) {
	t.Setenv("APP_DEFAULT_LOCATION", "")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{LogFormat: "json", AppEnv: "production"}, &buf).Info("hello")
	require.True(t, strings.HasPrefix(buf.String(), "{"))

	buf.Reset()
	newLogger(&Config{LogFormat: "pretty"}, &buf).Debug("debug line")
	require.Contains(t, buf.String(), "msg=\"debug line\"")
}

type stubResolver struct{}

func (stubResolver) Identity(_ context.Context, id int64) (approval.ApproverIdentity, error) {
	if id == 1 {
		return approval.ApproverIdentity{UserID: 1, Name: "Ana", ApprovalLevel: 1}, nil
	}
	return approval.ApproverIdentity{}, users.ErrUserNotFound
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(db Pinger) http.Handler {
	return NewRouter(RouterParams{
		Config:       &Config{AppEnv: "test"},
		UsersHandler: users.NewHandler(nil, stubResolver{}),
		Metrics:      observability.NewMetrics(),
		Database:     db,
	})
}

func get(h http.Handler, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set(users.HeaderUserID, user)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthAndHeaders(t *testing.T) {
	router := newTestRouter(stubPinger{})
	rr := get(router, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	degraded := get(newTestRouter(stubPinger{err: errors.New("conn refused")}), "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, degraded.Code)
}

func TestRouterAPIRequiresIdentity(t *testing.T) {
	router := newTestRouter(nil)
	require.Equal(t, http.StatusUnauthorized, get(router, "/api/me", "").Code)

	rr := get(router, "/api/me", "1")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"user_id":1,"name":"Ana","approval_level":1}`, rr.Body.String())
}

func TestRouterExposesMetrics(t *testing.T) {
	router := newTestRouter(nil)
	get(router, "/healthz", "")
	rr := get(router, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `stockflow_http_requests_total{code="200",route="/healthz"}`)
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv("STOCKFLOW_TEST_MODE", "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv("STOCKFLOW_TEST_MODE", "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
