package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", "prod", nil, "", "api.example.com", true},
		{"dev allows all", "dev", nil, "http://evil.test", "api.example.com", true},
		{"listed", "prod", []string{"https://app.example.com"}, "https://app.example.com", "api.example.com", true},
		{"wildcard", "prod", []string{"*"}, "https://x.test", "api.example.com", true},
		{"same host", "prod", nil, "https://api.example.com", "api.example.com", true},
		{"host substring is not enough", "prod", nil, "https://api.example.com.evil.test", "api.example.com", false},
		{"unlisted", "prod", []string{"https://app.example.com"}, "https://other.test", "api.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OriginAllowed(tt.env, tt.allowed, tt.origin, tt.host); got != tt.want {
				t.Errorf("OriginAllowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("prod", []string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://other.test")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("unlisted origin: status %d, Allow-Origin %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limit, rl := RateLimit(rate.Every(time.Hour), 2, func(c *gin.Context) string { return c.GetHeader("X-User") })
	defer rl.Stop()
	r := gin.New()
	r.Use(limit)
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			req.Header.Set("X-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	for i := 0; i < 2; i++ {
		if code := do("alice"); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := do("alice"); code != http.StatusTooManyRequests {
		t.Errorf("over burst status = %d, want 429", code)
	}
	if code := do("bob"); code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", code)
	}
	if code := do(""); code != http.StatusOK {
		t.Errorf("anonymous status = %d, want 200", code)
	}
	if rl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rl.Len())
	}
}

func TestRL_StopIdempotent(t *testing.T) {
	rl := NewRateLimiter(rate.Every(time.Second), 1, time.Minute)
	rl.Stop()
	rl.Stop()
}
