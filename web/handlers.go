package web

import (
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/mnehpets/lineserve/auth"
	"github.com/mnehpets/lineserve/endpoint"
	"github.com/mnehpets/lineserve/middleware"
)

// LoginTimeLayout formats login times on the success page and in the API.
const LoginTimeLayout = "2006-01-02 15:04:05"

type handlers struct {
	controller *auth.Controller
	templates  *template.Template
}

// userResponse is the /api/user body.
type userResponse struct {
	User      auth.UserIdentity `json:"user"`
	LoginTime string            `json:"login_time"`
}

func sessionFrom(r *http.Request) (*middleware.CookieSession, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "", errors.New("web: no session processor"))
	}
	return sess, nil
}

func formatLoginTime(t time.Time) string {
	return t.Local().Format(LoginTimeLayout)
}

func (h *handlers) page(name string, data any) endpoint.Renderer {
	return &endpoint.PageRenderer{Templates: h.templates, Name: name, Data: data}
}

func (h *handlers) index(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return h.page("index.html", nil), nil
}

func (h *handlers) login(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	authURL, err := h.controller.InitiateLogin(r.Context(), sess)
	if err != nil {
		return nil, httpError(err)
	}
	return endpoint.NoStore{Renderer: h.page("login.html", loginPage{LineLoginURL: authURL})}, nil
}

func (h *handlers) callback(_ http.ResponseWriter, r *http.Request, params auth.CallbackParams) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	if _, err := h.controller.HandleCallback(r.Context(), sess, params); err != nil {
		return nil, httpError(err)
	}
	return endpoint.NoStore{Renderer: &endpoint.RedirectRenderer{URL: "/success"}}, nil
}

func (h *handlers) success(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	rec, err := h.controller.CurrentIdentity(r.Context(), sess)
	if err != nil {
		return &endpoint.RedirectRenderer{URL: "/login"}, nil
	}
	id := rec.Identity
	return endpoint.NoStore{Renderer: h.page("success.html", successPage{
		User: userView{
			UserID:        id.UserID,
			DisplayName:   id.DisplayName,
			PictureURL:    id.PictureURL,
			StatusMessage: id.StatusMessage,
		},
		LoginTime: formatLoginTime(rec.LoginTime),
	})}, nil
}

func (h *handlers) logout(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	h.controller.Logout(r.Context(), sess)
	return endpoint.NoStore{Renderer: &endpoint.RedirectRenderer{URL: "/login"}}, nil
}

func (h *handlers) apiUser(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, err := sessionFrom(r)
	if err != nil {
		return nil, err
	}
	rec, err := h.controller.CurrentIdentity(r.Context(), sess)
	if err != nil {
		auth.Emit(r.Context(), auth.UnauthorizedAccess{Path: r.URL.Path})
		return nil, endpoint.ErrorWith(http.StatusUnauthorized, &endpoint.JSONRenderer{
			Status: http.StatusUnauthorized,
			Value:  map[string]string{"error": "Not logged in"},
		}, err)
	}
	return endpoint.NoStore{Renderer: &endpoint.JSONRenderer{Value: userResponse{
		User:      rec.Identity,
		LoginTime: formatLoginTime(rec.LoginTime),
	}}}, nil
}

func healthz(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: map[string]string{"status": "ok"}}, nil
}
