package testutil

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"

	"github.com/AfshinJalili/gobank/libs/apikey"
	"github.com/gin-gonic/gin"
)

func MakeAuthRequest(router *gin.Engine, method, path string, body any, token string, headers ...string) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func MakeInternalRequest(router *gin.Engine, method, path string, body any, key string) *httptest.ResponseRecorder {
	return MakeAuthRequest(router, method, path, body, "", apikey.Header, key)
}

func DecodeJSON[T any](w *httptest.ResponseRecorder) (T, error) {
	var out T
	err := json.Unmarshal(w.Body.Bytes(), &out)
	return out, err
}
