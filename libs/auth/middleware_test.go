package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware([]byte("secret")))
	r.GET("/me", func(c *gin.Context) {
		id, ok := ActorID(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, strconv.FormatInt(id, 10))
	})
	return r
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	r := newRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestMiddlewareSetsActorID(t *testing.T) {
	r := newRouter()

	signed, err := IssueToken(42, []byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "42" {
		t.Fatalf("expected actor 42, got %s", w.Body.String())
	}
}

func TestMiddlewareRejectsNonNumericSubject(t *testing.T) {
	r := newRouter()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestParseJWTRejectsWrongSecretAndExpired(t *testing.T) {
	signed, _ := IssueToken(7, []byte("other"), time.Hour)
	if _, err := ParseJWT(signed, []byte("secret")); err != ErrInvalidToken {
		t.Fatalf("expected invalid token for wrong secret")
	}

	expired, _ := IssueToken(7, []byte("secret"), -time.Minute)
	if _, err := ParseJWT(expired, []byte("secret")); err != ErrInvalidToken {
		t.Fatalf("expected invalid token for expired token")
	}
}
