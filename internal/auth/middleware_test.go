package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type knownUsers map[string]bool

func (k knownUsers) Exists(_ context.Context, id string) (bool, error) { return k[id], nil }

func setupRouter(a *Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(a))
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.GET("/open", func(c *gin.Context) {
		_, authed := GetPrincipal(c)
		c.JSON(http.StatusOK, gin.H{"authed": authed})
	})
	r.GET("/private", RequireAuth(), ok)
	r.GET("/admin", RequireAdmin(), ok)
	r.GET("/users/:id", RequireSelfOrAdmin("id"), ok)
	r.GET("/history/:email", RequireSelfEmailOrAdmin("email"), ok)
	NewHandler(a).RegisterRoutes(r)
	return r
}

func call(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_Disabled(t *testing.T) {
	r := setupRouter(NewAuthenticator(false, nil, nil))

	assert.Equal(t, http.StatusNoContent, call(r, "/private", "").Code)
	assert.Equal(t, http.StatusNoContent, call(r, "/admin", "").Code)
	assert.Equal(t, http.StatusNoContent, call(r, "/users/usr_other", "").Code)

	w := call(r, "/auth/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	var p Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, Internal, p)
}

func TestMiddleware_Enabled(t *testing.T) {
	ti := NewTokenIssuer("s3cret", time.Hour)
	a := NewAuthenticator(true, ti, knownUsers{"usr_admin": true, "usr_1": true})
	r := setupRouter(a)

	admin, _, err := ti.Issue(Principal{UserID: "usr_admin", Email: "root@x.io", Role: RoleAdmin})
	require.NoError(t, err)
	user, _, err := ti.Issue(Principal{UserID: "usr_1", Email: "a@x.io", Role: RoleUser})
	require.NoError(t, err)
	ghost, _, err := ti.Issue(Principal{UserID: "usr_deleted", Email: "g@x.io", Role: RoleAdmin})
	require.NoError(t, err)

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"anonymous open", "/open", "", http.StatusOK},
		{"anonymous private", "/private", "", http.StatusUnauthorized},
		{"bad token private", "/private", "junk", http.StatusUnauthorized},
		{"user private", "/private", user, http.StatusNoContent},
		{"user admin", "/admin", user, http.StatusForbidden},
		{"admin admin", "/admin", admin, http.StatusNoContent},
		{"user self", "/users/usr_1", user, http.StatusNoContent},
		{"user other", "/users/usr_2", user, http.StatusForbidden},
		{"admin other", "/users/usr_2", admin, http.StatusNoContent},
		{"deleted user", "/private", ghost, http.StatusUnauthorized},
		{"user own history", "/history/A@x.io", user, http.StatusNoContent},
		{"user other history", "/history/b@x.io", user, http.StatusForbidden},
		{"admin any history", "/history/b@x.io", admin, http.StatusNoContent},
		{"anonymous history", "/history/a@x.io", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, call(r, tt.path, tt.token).Code)
		})
	}
}

func TestMiddleware_ExpiredMessage(t *testing.T) {
	ti := NewTokenIssuer("s3cret", time.Minute)
	ti.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := ti.Issue(Principal{UserID: "usr_1", Role: RoleUser})
	require.NoError(t, err)
	ti.now = time.Now

	w := call(setupRouter(NewAuthenticator(true, ti, nil)), "/private", token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Token expired")
}

func TestInfo(t *testing.T) {
	r := setupRouter(NewAuthenticator(true, NewTokenIssuer("s", 90*time.Minute), nil))
	w := call(r, "/auth/info", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, 5400.0, body["token_ttl_seconds"])
}
