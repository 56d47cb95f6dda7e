package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ctflab/ctfdeployer/pkg/types"
)

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	active, err := s.store.CountRunning(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.TotalCreated(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	free, allocated, err := s.allocator.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := s.store.ListContainers(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	portUsage := 0.0
	if free+allocated > 0 {
		portUsage = float64(allocated) / float64(free+allocated) * 100
	}

	now := time.Now()
	views := make([]types.ContainerView, 0, len(all))
	for i := range all {
		views = append(views, all[i].View(now))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"challenge": s.cfg.ChallengeTitle,
		"metrics": map[string]any{
			"active_containers":        active,
			"total_containers_created": total,
			"available_ports":          free,
			"port_usage_percent":       portUsage,
		},
		"database": map[string]any{
			"host":            s.cfg.DBHost,
			"name":            s.cfg.DBName,
			"connection_pool": s.store.PoolStats(),
		},
		"resources": s.monitor.Snapshot(),
		"rate_limiting": map[string]any{
			"max_containers_per_hour": s.cfg.MaxContainersPerWindow,
			"window_seconds":          s.cfg.RateLimitWindowSec,
		},
		"containers": views,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.Unix(secs, 0)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		}
	}

	var ids []string
	if id := r.URL.Query().Get("container_id"); id != "" {
		ids = []string{id}
	} else {
		all, err := s.driver.ListChallenge(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		ids = all
	}

	logsByID := make(map[string][]string, len(ids))
	for _, id := range ids {
		lines, err := s.driver.Logs(ctx, id, tail, since)
		if err != nil {
			if types.IsEngineNotFound(err) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "container not found"})
				return
			}
			writeError(w, err)
			return
		}
		logsByID[id] = lines
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]any{"logs": logsByID})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	var b strings.Builder
	for id, lines := range logsByID {
		if len(ids) > 1 {
			b.WriteString("==> " + id + " <==\n")
		}
		for _, line := range lines {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	w.Write([]byte(b.String()))
}
