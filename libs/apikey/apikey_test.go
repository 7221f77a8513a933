package apikey

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestGenerateParseVerify(t *testing.T) {
	key, prefix, hash, err := Generate("dev")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	env, parsedPrefix, secret, err := Parse(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env != "dev" || parsedPrefix != prefix || secret == "" {
		t.Fatalf("unexpected parse result env=%s prefix=%s", env, parsedPrefix)
	}

	if err := Verify(key, Record{KeyHash: hash}, "127.0.0.1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(key+"x", Record{KeyHash: hash}, "127.0.0.1"); err != ErrInvalidKey {
		t.Fatalf("expected invalid key for tampered secret, got %v", err)
	}
}

func TestVerifyRejectsRevoked(t *testing.T) {
	key, _, hash, _ := Generate("dev")
	now := time.Now()
	if err := Verify(key, Record{KeyHash: hash, RevokedAt: &now}, "127.0.0.1"); err != ErrRevokedKey {
		t.Fatalf("expected revoked error")
	}
}

func TestParseRejectsForeignScheme(t *testing.T) {
	if _, _, _, err := Parse("ck_dev_abc.secret"); err != ErrInvalidKey {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestIPAllowlist(t *testing.T) {
	allowed := []string{"10.0.0.0/8", "203.0.113.1"}
	if !IPAllowed("10.1.2.3", allowed) || !IPAllowed("203.0.113.1", allowed) {
		t.Fatalf("expected ip allowed")
	}
	if IPAllowed("192.168.1.1", allowed) {
		t.Fatalf("expected ip denied")
	}
	if err := ValidateIPWhitelist([]string{"bad"}); err == nil {
		t.Fatalf("expected invalid whitelist")
	}
}

func TestParseRecords(t *testing.T) {
	records, err := ParseRecords([]string{"gateway:abc:deadbeef"})
	if err != nil {
		t.Fatalf("parse records: %v", err)
	}
	if records[0].Name != "gateway" || records[0].Prefix != "abc" || records[0].KeyHash != "deadbeef" {
		t.Fatalf("unexpected record %+v", records[0])
	}
	if _, err := ParseRecords([]string{"broken"}); err == nil {
		t.Fatalf("expected malformed entry error")
	}
}

func TestMiddlewareGuardsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	key, prefix, hash, _ := Generate("test")
	keyring, err := NewKeyring(Record{Name: "chain-watcher", Prefix: prefix, KeyHash: hash})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	r := gin.New()
	r.Use(Middleware(keyring))
	r.POST("/internal", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(ContextName)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/internal", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal", nil)
	req.Header.Set(Header, key)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "chain-watcher" {
		t.Fatalf("expected 200 with caller name, got %d %s", w.Code, w.Body.String())
	}
}
