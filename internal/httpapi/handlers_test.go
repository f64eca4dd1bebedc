package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mentorcall/internal/auth"
	"mentorcall/internal/config"

	"github.com/gin-gonic/gin"
)

func newLoginRouter(t *testing.T) (*gin.Engine, *auth.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	r := gin.New()
	r.POST("/v1/auth/login", Handlers{Auth: m}.Login)
	return r, m
}

func postLogin(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestLogin_IssuesVerifiablePair(t *testing.T) {
	r, m := newLoginRouter(t)

	w := postLogin(t, r, `{"user_id":"alice","device_id":"dev-1","role":"student"}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	claims, err := m.Verify(body.AccessToken, auth.TokenTypeAccess, time.Now())
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.UserID != "alice" || claims.DeviceID != "dev-1" || claims.Role != "student" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := m.Verify(body.RefreshToken, auth.TokenTypeRefresh, time.Now()); err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
}

func TestLogin_RejectsUnknownRole(t *testing.T) {
	r, _ := newLoginRouter(t)
	if w := postLogin(t, r, `{"user_id":"alice","device_id":"dev-1","role":"owner"}`); w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLogin_RequiresAllFields(t *testing.T) {
	r, _ := newLoginRouter(t)
	if w := postLogin(t, r, `{"user_id":"alice","role":"student"}`); w.Code != 400 {
		t.Fatalf("expected 400 without device_id, got %d", w.Code)
	}
	if w := postLogin(t, r, `not json`); w.Code != 400 {
		t.Fatalf("expected 400 for bad json, got %d", w.Code)
	}
}
