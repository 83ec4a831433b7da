package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"

	"trellis/internal/middleware"
	"trellis/internal/notify"
	"trellis/internal/scheduler"
	"trellis/internal/storage"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary
	// strictJSON rejects unknown request fields.
	strictJSON = jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	d := s.deps.Dispatcher
	body := map[string]any{"status": "ok"}
	if d != nil {
		body["notifier"] = map[string]any{
			"enabled":  d.Enabled(),
			"channels": d.Channels(),
		}
		if sup := d.Supervisor(); sup != nil {
			body["workers"] = sup.Snapshot()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// notifyRequest is the POST /api/notify body. Routes override the configured
// default route per channel; an empty string disables that channel.
type notifyRequest struct {
	Channels []string             `json:"channels"`
	Text     string               `json:"text,omitempty"`
	Priority int                  `json:"priority,omitempty"`
	Locale   string               `json:"locale,omitempty"`
	Routes   map[string]string    `json:"routes,omitempty"`
	Slack    *notify.SlackMessage `json:"slack,omitempty"`
	Mail     *notify.MailMessage  `json:"mail,omitempty"`
	// Sync delivers before responding instead of queueing.
	Sync bool `json:"sync,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Dispatcher
	if d == nil {
		writeError(w, http.StatusServiceUnavailable, "notifier_unavailable", "")
		return
	}
	var req notifyRequest
	dec := strictJSON.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Channels) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "channels is empty")
		return
	}
	if req.Priority < 0 || req.Priority > 10 {
		writeError(w, http.StatusBadRequest, "invalid_body", "priority must be within 0..10")
		return
	}

	routes := notify.Routes{}
	for k, v := range s.deps.Routes() {
		routes[k] = v
	}
	for k, v := range req.Routes {
		routes[k] = v
	}
	n := &notify.Notification{
		Channels: req.Channels,
		Text:     req.Text,
		Priority: req.Priority,
		Locale:   req.Locale,
		Slack:    req.Slack,
		Mail:     req.Mail,
	}
	if n.Locale == "" && s.deps.Locale != nil {
		n.Locale = s.deps.Locale(r.Header.Get("Accept-Language"))
	}

	var err error
	if req.Sync {
		err = d.SendNow(r.Context(), routes, n)
	} else {
		err = d.Send(r.Context(), routes, n)
	}
	switch {
	case err == nil:
	case errors.Is(err, notify.ErrUnknownChannel):
		writeError(w, http.StatusBadRequest, "unknown_channel", err.Error())
		return
	case errors.Is(err, notify.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "queue_full", "")
		return
	case errors.Is(err, notify.ErrDisabled), errors.Is(err, notify.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "notifier_unavailable", err.Error())
		return
	case req.Sync:
		writeError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	status := http.StatusAccepted
	if req.Sync {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"id": n.ID, "channels": n.Channels})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "")
			return
		}
		limit = min(n, 500)
	}

	body := map[string]any{}
	if d := s.deps.Dispatcher; d != nil {
		h := d.History()
		if len(h) > limit {
			h = h[len(h)-limit:]
		}
		body["history"] = h
	}
	if st := s.deps.Store; st != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		recs, err := st.RecentDeliveries(ctx, limit)
		if err != nil && !errors.Is(err, storage.ErrDisabled) {
			writeError(w, http.StatusInternalServerError, "storage", err.Error())
			return
		}
		body["deliveries"] = recs
	}
	writeJSON(w, http.StatusOK, body)
}

// handleResolve shows the ordered pipeline for ?names=a,b. Entries are comma
// separated; when an entry carries several arguments ("throttle:30,1m")
// separate entries with ";" instead.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry_unavailable", "")
		return
	}
	refs := splitNames(r.URL.Query()["names"])
	resolved, err := s.deps.Registry.Resolve(middleware.Names(refs...)...)
	if err != nil {
		writeError(w, http.StatusBadRequest, "resolve_failed", err.Error())
		return
	}
	out := make([]string, 0, len(resolved))
	for _, e := range resolved {
		out = append(out, e.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"priority": s.deps.Registry.Priority(),
		"input":    refs,
		"pipeline": out,
	})
}

func splitNames(vals []string) []string {
	var out []string
	for _, v := range vals {
		sep := ","
		if strings.Contains(v, ";") {
			sep = ";"
		}
		for _, p := range strings.Split(v, sep) {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedules": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.deps.Scheduler.Snapshot()})
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotFound, "not_found", "")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Scheduler.RunNow(r.Context(), name); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "not_queued", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"name": name})
}
