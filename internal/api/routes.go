package api

import "net/http"

func addRoutes(mux *http.ServeMux, h *handler, metrics http.Handler) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /snapshot", h.snapshot)
	mux.HandleFunc("GET /summary", h.summary)
	mux.HandleFunc("GET /alerts", h.alerts)
	mux.HandleFunc("DELETE /alerts/{id}", h.dismiss)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
}
