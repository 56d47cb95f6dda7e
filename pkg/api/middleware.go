package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctflab/ctfdeployer/pkg/log"
)

type contextKey string

const userUUIDKey contextKey = "user_uuid"

const userCookieName = "ctf_user"

// userCookie derives the participant identity from the ctf_user
// cookie, minting a fresh UUID when absent or malformed.
func (s *Server) userCookie(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var userUUID string
		if c, err := r.Cookie(userCookieName); err == nil {
			if parsed, perr := uuid.Parse(c.Value); perr == nil {
				userUUID = parsed.String()
			}
		}
		if userUUID == "" {
			userUUID = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     userCookieName,
				Value:    userUUID,
				Path:     "/",
				HttpOnly: true,
				MaxAge:   365 * 24 * 60 * 60,
			})
		}
		ctx := context.WithValue(r.Context(), userUUIDKey, userUUID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) string {
	if v, ok := r.Context().Value(userUUIDKey).(string); ok {
		return v
	}
	return ""
}

// sourceIP prefers the first forwarded address, falling back to the
// socket peer.
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// adminOnly admits local peers, or any peer presenting the configured
// admin key.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin access forbidden"})
	})
}

func (s *Server) isAdmin(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			return true
		}
	}
	return s.cfg.AdminKey != "" && r.URL.Query().Get("admin_key") == s.cfg.AdminKey
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Str("ip", sourceIP(r)).
			Msg("Request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
