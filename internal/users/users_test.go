package users

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/antifraudhub/antifraudhub/internal/auth"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/pagination"
	"github.com/antifraudhub/antifraudhub/internal/validation"
)

func newTestService(store Store) (*Service, *auth.TokenIssuer) {
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	s := NewService(store, tokens, logging.Discard())
	s.cost = bcrypt.MinCost
	return s, tokens
}

func TestService_SignupAndSignin(t *testing.T) {
	s, tokens := newTestService(NewMemoryStore())
	ctx := context.Background()

	u, err := s.Signup(ctx, "  Alice@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, auth.RoleUser, u.Role)
	assert.NotEqual(t, "correct horse", u.PasswordHash)

	sess, err := s.Signin(ctx, "ALICE@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "bearer", sess.TokenType)

	p, err := tokens.Verify(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID)
	assert.Equal(t, auth.RoleUser, p.Role)
}

func TestService_SignupRejects(t *testing.T) {
	s, _ := newTestService(NewMemoryStore())
	ctx := context.Background()

	_, err := s.Signup(ctx, "bob@example.com", "longenough")
	require.NoError(t, err)

	_, err = s.Signup(ctx, "BOB@example.com", "longenough")
	assert.ErrorIs(t, err, ErrEmailTaken)

	var verrs validation.ValidationErrors
	_, err = s.Signup(ctx, "not-an-email", "longenough")
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "email", verrs[0].Field)

	_, err = s.Signup(ctx, "carol@example.com", "short")
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "password", verrs[0].Field)
}

func TestService_SigninRejects(t *testing.T) {
	s, _ := newTestService(NewMemoryStore())
	ctx := context.Background()
	_, err := s.Signup(ctx, "dan@example.com", "longenough")
	require.NoError(t, err)

	_, err = s.Signin(ctx, "dan@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Signin(ctx, "nobody@example.com", "longenough")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_EnsureAdminIdempotent(t *testing.T) {
	store := NewMemoryStore()
	s, _ := newTestService(store)
	ctx := context.Background()

	require.NoError(t, s.EnsureAdmin(ctx, "root@example.com", "rootpassword"))
	require.NoError(t, s.EnsureAdmin(ctx, "root@example.com", "rootpassword"))

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, auth.RoleAdmin, all[0].Role)
}

func TestMemoryStore_ListPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, &User{
			ID:        fmt.Sprintf("usr_%d", i),
			Email:     fmt.Sprintf("u%d@x.io", i),
			Role:      auth.RoleUser,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	first, err := store.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "usr_4", first[0].ID)

	last := first[1]
	rest, err := store.List(ctx, ListOptions{Cursor: &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "usr_2", rest[0].ID)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type apiEnv struct {
	router *gin.Engine
	svc    *Service
	tokens *auth.TokenIssuer
}

func setupAPI(t *testing.T, authEnabled bool) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	svc, tokens := newTestService(store)

	r := gin.New()
	r.Use(auth.Middleware(auth.NewAuthenticator(authEnabled, tokens, store)))
	NewHandler(svc).RegisterRoutes(r.Group("/api"))
	return &apiEnv{router: r, svc: svc, tokens: tokens}
}

func (e *apiEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) signin(t *testing.T, email, password string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/api/users/signin", "", gin.H{"email": email, "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sess Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return sess.AccessToken
}

func TestHandlers_SignupSigninFlow(t *testing.T) {
	e := setupAPI(t, true)

	w := e.do(http.MethodPost, "/api/users/signup", "", gin.H{"email": "eve@x.io", "password": "password123"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "password")

	var created User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = e.do(http.MethodPost, "/api/users/signup", "", gin.H{"email": "EVE@x.io", "password": "password123"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(http.MethodPost, "/api/users/signin", "", gin.H{"email": "eve@x.io", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := e.signin(t, "eve@x.io", "password123")
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/users/"+created.ID, token, nil).Code, "self read")
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/users/usr_other", token, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/users", token, nil).Code)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodDelete, "/api/users/"+created.ID, token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/users", "", nil).Code)
}

func TestHandlers_AdminOperations(t *testing.T) {
	e := setupAPI(t, true)
	ctx := context.Background()
	require.NoError(t, e.svc.EnsureAdmin(ctx, "root@x.io", "rootpassword"))
	victim, err := e.svc.Signup(ctx, "victim@x.io", "password123")
	require.NoError(t, err)
	victimToken := e.signin(t, "victim@x.io", "password123")

	admin := e.signin(t, "root@x.io", "rootpassword")

	w := e.do(http.MethodGet, "/api/users?limit=1", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Users      []User `json:"users"`
		NextCursor string `json:"next_cursor"`
		HasMore    bool   `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Users, 1)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/users/"+victim.ID, admin, nil).Code)
	assert.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/api/users/"+victim.ID, admin, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/api/users/"+victim.ID, admin, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/users/"+victim.ID, victimToken, nil).Code,
		"tokens of deleted users stop working")
}

func TestHandlers_AuthDisabledActsAsAdmin(t *testing.T) {
	e := setupAPI(t, false)
	w := e.do(http.MethodGet, "/api/users", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":[],"next_cursor":"","has_more":false}`, w.Body.String())
}

func TestHandlers_BadRequests(t *testing.T) {
	e := setupAPI(t, false)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/users/signup", "", gin.H{"email": "x@x.io"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/users/signup", "", gin.H{"email": "bad", "password": "password123"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/users?cursor=***", "", nil).Code)
}
