package endpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
)

// statusOr returns status, or http.StatusOK when it is unset.
func statusOr(status int) int {
	if status == 0 {
		return http.StatusOK
	}
	return status
}

// setContentType sets contentType unless an outer renderer already did.
func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", contentType)
	}
}

// writeBody writes a fully built body. Renderers that can fail build the
// body first so that a failure still becomes a clean 500.
func writeBody(w http.ResponseWriter, status int, contentType string, body []byte) error {
	setContentType(w, contentType)
	w.WriteHeader(statusOr(status))
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// StringRenderer writes Body with an optional status and content type.
// ContentType defaults to "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	ct := sr.ContentType
	if ct == "" {
		ct = "text/plain; charset=utf-8"
	}
	return writeBody(w, sr.Status, ct, []byte(sr.Body))
}

// RedirectRenderer redirects the client to URL. Status defaults to 302,
// which browsers follow with a GET.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	status := rr.Status
	if status == 0 {
		status = http.StatusFound
	}
	http.Redirect(w, r, rr.URL, status)
	return nil
}

// PageRenderer executes the named template from Templates with Data.
type PageRenderer struct {
	Status    int
	Templates *template.Template
	Name      string
	Data      any
}

func (pr *PageRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if pr.Templates == nil {
		return errors.New("endpoint: no templates")
	}
	var buf bytes.Buffer
	if err := pr.Templates.ExecuteTemplate(&buf, pr.Name, pr.Data); err != nil {
		return err
	}
	return writeBody(w, pr.Status, "text/html; charset=utf-8", buf.Bytes())
}

// JSONRenderer writes Value as JSON. HTML escaping is off so that picture
// URLs in profile fields stay readable.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(jr.Value); err != nil {
		return err
	}
	return writeBody(w, jr.Status, "application/json", buf.Bytes())
}

// NoStore marks the response as uncacheable before delegating to Renderer.
// Pages that show or change login state use it.
type NoStore struct {
	Renderer
}

func (ns NoStore) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Cache-Control", "no-store")
	return ns.Renderer.Render(w, r)
}
