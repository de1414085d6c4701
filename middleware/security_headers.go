package middleware

import (
	"net/http"
	"strconv"

	"github.com/mnehpets/lineserve/endpoint"
)

// SecurityHeadersProcessor sets response security headers.
//
// Empty fields are not sent. HSTSMaxAge is only sent when positive, since
// local development runs over plain http.
type SecurityHeadersProcessor struct {
	HSTSMaxAge            int
	ReferrerPolicy        string
	FrameOptions          string
	ContentSecurityPolicy string
	CrossOriginOpener     string
	NoSniff               bool
}

// pageCSP allows LINE profile pictures on the success page.
const pageCSP = "default-src 'self'; img-src 'self' https://profile.line-scdn.net https://*.line-scdn.net; " +
	"base-uri 'self'; form-action 'self'; frame-ancestors 'none'"

// NewSecurityHeadersProcessor returns headers for HTML pages. The
// referrer policy keeps the callback query string out of Referer headers
// sent to third parties.
func NewSecurityHeadersProcessor(hsts bool) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FrameOptions:          "DENY",
		ContentSecurityPolicy: pageCSP,
		CrossOriginOpener:     "same-origin",
		NoSniff:               true,
	}
	if hsts {
		p.HSTSMaxAge = 31536000
	}
	return p
}

// NewAPISecurityHeadersProcessor returns headers for JSON routes.
func NewAPISecurityHeadersProcessor(hsts bool) *SecurityHeadersProcessor {
	p := NewSecurityHeadersProcessor(hsts)
	p.ReferrerPolicy = "no-referrer"
	p.ContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	return p
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	set := func(k, v string) {
		if v != "" {
			h.Set(k, v)
		}
	}
	set("Referrer-Policy", p.ReferrerPolicy)
	set("X-Frame-Options", p.FrameOptions)
	set("Content-Security-Policy", p.ContentSecurityPolicy)
	set("Cross-Origin-Opener-Policy", p.CrossOriginOpener)
	if p.NoSniff {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	return next(w, r)
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
