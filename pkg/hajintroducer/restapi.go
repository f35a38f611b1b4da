package hajintroducer

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

// announcements are tiny. anything bigger is garbage
const maxAnnouncementSize = 64 * 1024

func defineRestApi(router *mux.Router, hub *Hub, metrics *Metrics, logger *log.Logger) {
	router.HandleFunc("/api/publish", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxAnnouncementSize+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if len(raw) > maxAnnouncementSize {
			http.Error(w, "announcement too large", http.StatusRequestEntityTooLarge)
			return
		}

		// no canary: HTTP publishers re-publish periodically instead
		if err := hub.Publish(r.Context(), raw, nil); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/subscribe", handleWebSocket(hub, logger)).Methods(http.MethodGet)

	router.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := hub.Status(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		_ = outJSON(w, status)
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.HTTPHandler()).Methods(http.MethodGet)
}

func outJSON(w http.ResponseWriter, out any) error {
	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
