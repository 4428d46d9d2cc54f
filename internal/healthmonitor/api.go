package healthmonitor

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts the status board API on r.
func RegisterRoutes(r *mux.Router, cache *Cache) {
	r.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, cache.GetAll())
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/status/{service}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cache.GetByService(mux.Vars(r)["service"]))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/summary", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, cache.Summary())
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
