package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"cometwatch/internal/alerting"
	"cometwatch/internal/market"
)

type handler struct {
	engine Engine
	logger zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type snapshotResponse struct {
	market.Aggregate
	Totals market.Totals `json:"totals"`
}

type alertsResponse struct {
	Alerts []alerting.Alert `json:"alerts"`
	Count  int              `json:"count"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	_, ready := h.engine.LatestSnapshot()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ready": ready})
}

func (h *handler) snapshot(w http.ResponseWriter, _ *http.Request) {
	agg, ok := h.engine.LatestSnapshot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no snapshot published yet")
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Aggregate: agg, Totals: agg.Totals()})
}

func (h *handler) summary(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.engine.Summary()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no snapshot published yet")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) alerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.engine.ActiveAlerts()
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		floor, err := alerting.ParseSeverity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := alerts[:0:0]
		for _, a := range alerts {
			if a.Severity >= floor {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}
	if alerts == nil {
		alerts = []alerting.Alert{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{Alerts: alerts, Count: len(alerts)})
}

func (h *handler) dismiss(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.engine.DismissAlert(id) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	h.logger.Info().Str("alert_id", id).Msg("alert dismissed")
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
