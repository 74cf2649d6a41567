package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/itstheanurag/verdict/internal/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every endpoint. Submissions go through rl when it is set.
func NewRouter(h *Handler, rl *limiter.RateLimiter) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/languages", h.Languages).Methods(http.MethodGet)
	if h.stats != nil {
		v1.HandleFunc("/languages/{id}/stats", h.LanguageStats).Methods(http.MethodGet)
	}
	v1.HandleFunc("/executions/{id}", h.Get).Methods(http.MethodGet)
	v1.HandleFunc("/executions/{id}", h.Cancel).Methods(http.MethodDelete)
	v1.HandleFunc("/executions/{id}/watch", h.Watch).Methods(http.MethodGet)

	submit := v1.NewRoute().Subrouter()
	if rl != nil {
		submit.Use(rl.Middleware)
	}
	submit.HandleFunc("/execute", h.Execute).Methods(http.MethodPost)
	submit.HandleFunc("/executions", h.Submit).Methods(http.MethodPost)

	return r
}
