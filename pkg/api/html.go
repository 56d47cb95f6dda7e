package api

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/ctflab/ctfdeployer/pkg/log"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pageTemplates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

type pageData struct {
	Title       string
	Description string
	APIPort     int
}

func (s *Server) renderPage(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := pageTemplates.ExecuteTemplate(w, name, pageData{
		Title:       s.cfg.ChallengeTitle,
		Description: s.cfg.ChallengeDescription,
		APIPort:     s.cfg.APIPort,
	})
	if err != nil {
		log.WithComponent("api").Error().Err(err).Str("template", name).Msg("Failed to render page")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, "index.html")
}

func (s *Server) handleAdminPage(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, "admin.html")
}
