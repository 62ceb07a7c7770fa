package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name            string
		allowed         []string
		origin          string
		method          string
		wantStatus      int
		wantOrigin      string
		wantCredentials string
	}{
		{"explicit origin", []string{"https://app.example.com"}, "https://app.example.com", http.MethodGet, http.StatusTeapot, "https://app.example.com", "true"},
		{"wildcard never allows credentials", []string{"*"}, "https://evil.example.com", http.MethodGet, http.StatusTeapot, "https://evil.example.com", ""},
		{"unknown origin", []string{"https://app.example.com"}, "https://other.example.com", http.MethodGet, http.StatusTeapot, "", ""},
		{"preflight short-circuits", []string{"https://app.example.com"}, "https://app.example.com", http.MethodOptions, http.StatusOK, "https://app.example.com", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/assistant/state", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.allowed, "X-Guidebot-Session-ID")(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, rec.Header().Get("Access-Control-Allow-Credentials"))
			if tt.wantOrigin != "" {
				assert.Equal(t, "Content-Type, Last-Event-ID, X-Guidebot-Session-ID", rec.Header().Get("Access-Control-Allow-Headers"))
			}
		})
	}
}
