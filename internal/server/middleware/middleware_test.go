package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	h := Auth("")(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthChecksKey(t *testing.T) {
	h := Auth("s3cret")(okHandler())

	cases := []struct {
		name   string
		setup  func(*http.Request)
		target string
		want   int
	}{
		{"missing", func(*http.Request) {}, "/api/positions", http.StatusUnauthorized},
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "s3cret") }, "/api/positions", http.StatusOK},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, "/api/positions", http.StatusOK},
		{"wrong", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, "/api/positions", http.StatusUnauthorized},
		{"health open", func(*http.Request) {}, "/api/health", http.StatusOK},
		{"ws query param", func(*http.Request) {}, "/ws?api_key=s3cret", http.StatusOK},
		{"query param off ws", func(*http.Request) {}, "/api/positions?api_key=s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/rates", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://APP.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/rates", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin %q for unknown origin", got)
	}
}

func TestCORSAnswersPreflight(t *testing.T) {
	h := CORS(nil)(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Fatal("preflight missing allowed headers")
	}
}
