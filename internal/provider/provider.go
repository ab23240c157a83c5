// Package provider implements the provider-mode service: a health-check
// endpoint plus a reference websocket client that connects to a broker,
// keeps the session alive with liveness frames, and answers broadcast
// requests by forwarding them to an upstream proxy URL.
package provider

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"validation.station/vsb/internal/config"
)

// StartHealthServer serves the provider health stub. Like the broker
// gateway, a bind failure is the only fatal condition and is reported on
// the returned channel.
func StartHealthServer(cfg *config.Config) <-chan error {
	mux := healthMux()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Printf("Starting provider service at http://%s", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- http.ListenAndServe(addr, mux)
		close(errCh)
	}()
	return errCh
}

func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "operational",
		"service": "provider",
	})
}
