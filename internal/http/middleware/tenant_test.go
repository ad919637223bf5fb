package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lingo-gateway/internal/model"
	"lingo-gateway/internal/repository"
	"lingo-gateway/internal/store"

	"github.com/alicebob/miniredis/v2"
	echo "github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuardRefresher struct {
	token string
	err   error
	calls int
}

func (f *fakeGuardRefresher) Refresh(ctx context.Context, orgID, refreshToken string) (string, error) {
	f.calls++
	return f.token, f.err
}

func newGuardFixture(t *testing.T) (*repository.CredentialsRepository, *fakeGuardRefresher, echo.MiddlewareFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	creds := repository.NewCredentialsRepository(store.New(rdb), 0)
	ref := &fakeGuardRefresher{token: "fresh-token"}
	return creds, ref, TenantGuard(creds, ref)
}

func seedGuardCredential(t *testing.T, creds *repository.CredentialsRepository, orgID string, tokenExpiresAt int64) {
	t.Helper()
	_, err := creds.Merge(context.Background(), orgID, func(cur *model.TenantCredential) *model.TenantCredential {
		return &model.TenantCredential{
			OrgID:          orgID,
			AccessToken:    "stored-token",
			RefreshToken:   "rt",
			TokenExpiresAt: tokenExpiresAt,
			Status:         model.StatusActive,
		}
	})
	require.NoError(t, err)
}

func runGuard(t *testing.T, guard echo.MiddlewareFunc, req *http.Request) (*httptest.ResponseRecorder, echo.Context) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := guard(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	require.NoError(t, handler(c))
	return rec, c
}

func TestTenantGuard_MissingOrgID(t *testing.T) {
	_, _, guard := newGuardFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	rec, _ := runGuard(t, guard, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantGuard_OrgIDFromHeader(t *testing.T) {
	creds, _, guard := newGuardFixture(t)
	seedGuardCredential(t, creds, "org-1", time.Now().Add(2*time.Hour).UnixMilli())

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("orgid", "org-1")
	rec, c := runGuard(t, guard, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	orgID, ok := OrgIDFromCtx(c)
	assert.True(t, ok)
	assert.Equal(t, "org-1", orgID)
	tok, ok := AccessTokenFromCtx(c)
	assert.True(t, ok)
	assert.Equal(t, "stored-token", tok)
	assert.Equal(t, model.StatusActive, StatusFromCtx(c))
}

func TestTenantGuard_OrgIDFromQuery(t *testing.T) {
	creds, _, guard := newGuardFixture(t)
	seedGuardCredential(t, creds, "org-1", time.Now().Add(2*time.Hour).UnixMilli())

	req := httptest.NewRequest(http.MethodGet, "/v1/quota?orgid=org-1", nil)
	rec, _ := runGuard(t, guard, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTenantGuard_OrgIDFromJSONBody(t *testing.T) {
	creds, _, guard := newGuardFixture(t)
	seedGuardCredential(t, creds, "org-1", time.Now().Add(2*time.Hour).UnixMilli())

	body := `{"orgid":"org-1","action":"create"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec, c := runGuard(t, guard, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	// body must be readable again for the handler's bind
	var probe struct {
		Action string `json:"action"`
	}
	require.NoError(t, echo.New().NewContext(c.Request(), httptest.NewRecorder()).Bind(&probe))
	assert.Equal(t, "create", probe.Action)
}

func TestTenantGuard_UnknownTenant(t *testing.T) {
	_, _, guard := newGuardFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("orgid", "org-ghost")
	rec, _ := runGuard(t, guard, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "session expired")
}

func TestTenantGuard_ExpiringTokenRefreshed(t *testing.T) {
	creds, ref, guard := newGuardFixture(t)
	// 10 minutes out: inside the 30-minute skew
	seedGuardCredential(t, creds, "org-1", time.Now().Add(10*time.Minute).UnixMilli())

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("orgid", "org-1")
	rec, c := runGuard(t, guard, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ref.calls)
	tok, _ := AccessTokenFromCtx(c)
	assert.Equal(t, "fresh-token", tok)
}

func TestTenantGuard_FreshTokenNotRefreshed(t *testing.T) {
	creds, ref, guard := newGuardFixture(t)
	// one hour out: outside the skew
	seedGuardCredential(t, creds, "org-1", time.Now().Add(time.Hour).UnixMilli())

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("orgid", "org-1")
	rec, _ := runGuard(t, guard, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, ref.calls)
}

func TestTenantGuard_LegacyZeroExpiryRefreshed(t *testing.T) {
	creds, ref, guard := newGuardFixture(t)
	seedGuardCredential(t, creds, "org-1", 0)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("orgid", "org-1")
	rec, _ := runGuard(t, guard, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ref.calls)
}

func TestTenantGuard_RefreshFailureFallsBack(t *testing.T) {
	creds, ref, guard := newGuardFixture(t)
	ref.err = errors.New("token endpoint down")
	seedGuardCredential(t, creds, "org-1", time.Now().Add(10*time.Minute).UnixMilli())

	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("orgid", "org-1")
	rec, c := runGuard(t, guard, req)

	// fail-open: the request proceeds on the stored token
	assert.Equal(t, http.StatusOK, rec.Code)
	tok, _ := AccessTokenFromCtx(c)
	assert.Equal(t, "stored-token", tok)
}
