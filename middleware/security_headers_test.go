package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mnehpets/lineserve/endpoint"
)

func serveWith(p endpoint.Processor) *httptest.ResponseRecorder {
	h := endpoint.Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, p)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestSecurityHeaders_Page(t *testing.T) {
	rec := serveWith(NewSecurityHeadersProcessor(false))
	h := rec.Header()
	if h.Get("Strict-Transport-Security") != "" {
		t.Error("HSTS sent without TLS")
	}
	if h.Get("X-Frame-Options") != "DENY" || h.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("headers = %v", h)
	}
	if !strings.Contains(h.Get("Content-Security-Policy"), "profile.line-scdn.net") {
		t.Errorf("CSP = %q", h.Get("Content-Security-Policy"))
	}
}

func TestSecurityHeaders_APIWithHSTS(t *testing.T) {
	rec := serveWith(NewAPISecurityHeadersProcessor(true))
	h := rec.Header()
	if h.Get("Strict-Transport-Security") != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", h.Get("Strict-Transport-Security"))
	}
	if h.Get("Referrer-Policy") != "no-referrer" {
		t.Errorf("Referrer-Policy = %q", h.Get("Referrer-Policy"))
	}
}
