package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOriginCheckMiddleware(t *testing.T) {
	mw := NewOriginCheckMiddleware("https://festival.example.com/")

	tests := []struct {
		name       string
		method     string
		headers    map[string]string
		wantStatus int
	}{
		{"GETは検証しない", http.MethodGet, nil, http.StatusOK},
		{"HEADは検証しない", http.MethodHead, nil, http.StatusOK},
		{"同一オリジンのPOSTは通過", http.MethodPost, map[string]string{"Origin": "https://festival.example.com"}, http.StatusOK},
		{"大文字のホストも同一オリジン", http.MethodPost, map[string]string{"Origin": "https://FESTIVAL.example.com"}, http.StatusOK},
		{"別オリジンのPOSTは403", http.MethodPost, map[string]string{"Origin": "https://evil.example.com"}, http.StatusForbidden},
		{"スキーム違いは403", http.MethodPost, map[string]string{"Origin": "http://festival.example.com"}, http.StatusForbidden},
		{"Originなしは403", http.MethodPost, nil, http.StatusForbidden},
		{"Originなしでもsame-originなら通過", http.MethodPost, map[string]string{"Sec-Fetch-Site": "same-origin"}, http.StatusOK},
		{"Originなしのcross-siteは403", http.MethodDelete, map[string]string{"Sec-Fetch-Site": "cross-site"}, http.StatusForbidden},
		{"nullオリジンは403", http.MethodPost, map[string]string{"Origin": "null"}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/logout", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}
