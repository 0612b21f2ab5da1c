package daemon

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{name: "no token configured", want: http.StatusNoContent},
		{name: "missing header", token: "s3cret", want: http.StatusUnauthorized},
		{name: "wrong scheme", token: "s3cret", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "wrong token", token: "s3cret", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid bearer", token: "s3cret", header: "Bearer s3cret", want: http.StatusNoContent},
		{name: "query token", token: "s3cret", query: "?access_token=s3cret", want: http.StatusNoContent},
		{name: "header overrides query", token: "s3cret", header: "Bearer nope", query: "?access_token=s3cret", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/builds"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authMiddleware(tt.token, ok).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
