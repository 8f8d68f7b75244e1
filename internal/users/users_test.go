package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	users map[int64]User
	err   error
}

func (m memoryRepo) ListUsers(context.Context) ([]User, error) {
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, m.err
}

func (m memoryRepo) FindByID(_ context.Context, id int64) (User, error) {
	if m.err != nil {
		return User{}, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (m memoryRepo) ListByLevel(_ context.Context, level int) ([]User, error) {
	var out []User
	for _, u := range m.users {
		if u.ApprovalLevel == level && u.IsActive {
			out = append(out, u)
		}
	}
	return out, m.err
}

func newRepo() memoryRepo {
	return memoryRepo{users: map[int64]User{
		1: {ID: 1, Name: "Ana", Email: "ana@example.com", ApprovalLevel: 1, IsActive: true},
		2: {ID: 2, Name: "Budi", Email: "budi@example.com", ApprovalLevel: 2, IsActive: true},
		3: {ID: 3, Name: "Citra", Email: "citra@example.com", ApprovalLevel: 1, IsActive: false},
		4: {ID: 4, Name: "Dewi", Email: "dewi@example.com", IsActive: true},
	}}
}

func TestIdentity(t *testing.T) {
	svc := NewService(newRepo())
	ctx := context.Background()

	id, err := svc.Identity(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), id.UserID)
	require.Equal(t, 2, id.ApprovalLevel)

	_, err = svc.Identity(ctx, 3)
	require.ErrorIs(t, err, ErrUserInactive)
	_, err = svc.Identity(ctx, 99)
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = svc.Identity(ctx, 0)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestRecipients(t *testing.T) {
	rec := Recipients{Service: NewService(newRepo())}
	ctx := context.Background()

	level1, err := rec.ApproversAtLevel(ctx, 1)
	require.NoError(t, err)
	require.Len(t, level1, 1)
	require.Equal(t, "ana@example.com", level1[0].Email)

	none, err := rec.ApproversAtLevel(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, none)

	inactive, err := rec.UserByID(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, inactive.Email)
}

func serve(h *Handler, header string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(h.RequireIdentity)
		h.MountRoutes(r)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if header != "" {
		req.Header.Set(HeaderUserID, header)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestRequireIdentity(t *testing.T) {
	h := NewHandler(nil, NewService(newRepo()))

	rr := serve(h, "1")
	require.Equal(t, http.StatusOK, rr.Code)
	var body meResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Equal(t, meResponse{UserID: 1, Name: "Ana", ApprovalLevel: 1}, body)

	for _, header := range []string{"", "abc", "-4", "3", "99"} {
		require.Equal(t, http.StatusUnauthorized, serve(h, header).Code, header)
	}

	broken := NewHandler(nil, NewService(memoryRepo{err: errors.New("db down")}))
	require.Equal(t, http.StatusInternalServerError, serve(broken, "1").Code)
}
