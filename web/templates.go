package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

func parseTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

type loginPage struct {
	LineLoginURL string
}

type successPage struct {
	User      userView
	LoginTime string
}

type userView struct {
	UserID        string
	DisplayName   string
	PictureURL    string
	StatusMessage string
}
