package api

import (
	"encoding/json"
	"net/http"
)

type deployRequest struct {
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

func (s *Server) handleGetCaptcha(w http.ResponseWriter, r *http.Request) {
	id, image, err := s.captcha.Generate()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"captcha_id":    id,
		"captcha_image": image,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	c, err := s.orch.Deploy(r.Context(), userFrom(r), sourceIP(r), req.CaptchaID, req.CaptchaAnswer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "container deployed",
		"port":            c.Port,
		"expiration_time": c.ExpirationTime,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Stop(r.Context(), userFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "container stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	c, err := s.orch.Restart(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "container restarted",
		"port":            c.Port,
		"expiration_time": c.ExpirationTime,
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	newExpiration, err := s.orch.Extend(r.Context(), userFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"new_expiration_time": newExpiration})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"challenge": map[string]string{
			"title":       s.cfg.ChallengeTitle,
			"description": s.cfg.ChallengeDescription,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
