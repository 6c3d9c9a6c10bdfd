package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ssw-telemetry/cleanengine/internal/metrics"
)

// Router builds the admin HTTP surface: /healthz, /status, /metrics.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(a.healthHandler)).Methods(http.MethodGet)
	r.Handle("/status", a.compMgr.Middleware(http.HandlerFunc(a.statusHandler))).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap == nil {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "idle"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(snap)
}
