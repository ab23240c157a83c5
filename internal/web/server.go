// Package web implements the public HTTP surface of the broker: the RPC
// gateway, the provider websocket endpoint, the score listing, and a few
// operational endpoints (health, recent events, protocol docs).
package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"validation.station/vsb/internal/broker"
	"validation.station/vsb/internal/config"
	"validation.station/vsb/internal/docs"
	"validation.station/vsb/internal/logger"
	"validation.station/vsb/internal/session"
	"validation.station/vsb/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the broker-mode HTTP server.
type Server struct {
	broker *broker.Broker
	cfg    *config.Config
	events *logger.Logger
	docs   *docs.Service
}

// NewServer creates the gateway in front of a broker.
func NewServer(b *broker.Broker, cfg *config.Config, events *logger.Logger) *Server {
	return &Server{
		broker: b,
		cfg:    cfg,
		events: events,
		docs:   docs.NewService(cfg.DocsDir),
	}
}

// Routes builds the request mux. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/public-rpc", s.handlePublicRPC)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/scores", s.handleScores)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/docs", s.handleDocs)
	return mux
}

// Start binds the listener and serves until the process exits. The only
// fatal condition in the core is a bind failure, reported on the returned
// channel.
func (s *Server) Start() <-chan error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	log.Printf("Starting broker server at http://%s", addr)
	log.Printf("WebSocket endpoint available at ws://%s/ws", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- http.ListenAndServe(addr, s.Routes())
		close(errCh)
	}()
	return errCh
}

// @Title: Index
// @Route: GET /
// @Description: Service banner with pointers to the websocket and RPC endpoints.
// @Response: text/plain banner
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, "Welcome to the RPC broker server. Use /ws for WebSocket connections and /public-rpc for RPC requests.")
}

// @Title: Public RPC
// @Route: POST /public-rpc
// @Description: Broadcasts a JSON document to connected providers and returns the first answer.
// @Response: 200 first response payload, 503 no providers, 408 timeout, 500 internal
func (s *Server) handlePublicRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPayloadBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	req := types.RPCRequest{ID: requestID, Data: body}

	// Single-slot rendezvous: the first delivered response fills it, any
	// later reply is a benign late message handled by the broker.
	rendezvous := make(chan json.RawMessage, 1)
	if err := s.broker.Broadcast(req, rendezvous); err != nil {
		log.Printf("RPC request rejected: %v", err)
		http.Error(w, "No provider sessions connected", http.StatusServiceUnavailable)
		return
	}

	// A client-side timeout does not cancel the pending entry; the broker
	// keeps scoring late replies as failed deliveries.
	select {
	case data, ok := <-rendezvous:
		if !ok {
			http.Error(w, "Response channel closed unexpectedly", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	case <-time.After(s.cfg.RequestTimeout):
		log.Printf("Timeout waiting for response to request %s", requestID)
		http.Error(w, "No response received within timeout period", http.StatusRequestTimeout)
	}
}

// @Title: Provider WebSocket
// @Route: GET /ws
// @Description: Upgrades to a duplex provider session exchanging JSON text frames.
// @Response: 101 websocket upgrade
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sess := session.New(conn, s.broker, s.cfg, s.events, r.RemoteAddr)
	log.Printf("New provider session %s from %s", sess.ID(), r.RemoteAddr)
	sess.Run()
}

// @Title: Score listing
// @Route: GET /scores
// @Description: Reputation scores for providers with a resolved address, highest first.
// @Response: JSON array of [address, score] pairs
func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.broker.Scores()); err != nil {
		log.Printf("Failed to encode score listing: %v", err)
	}
}

// @Title: Health
// @Route: GET /api/health
// @Description: Service liveness and session count.
// @Response: JSON status document
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "operational",
		"service":  "broker",
		"version":  types.Version,
		"sessions": s.broker.SessionCount(),
	})
}

// @Title: Recent events
// @Route: GET /api/logs
// @Description: Most recent operator-visible events, newest first.
// @Response: JSON array of log messages
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.events.Recent(limit))
}

// @Title: Protocol docs
// @Route: GET /docs?doc=protocol.adoc
// @Description: Rendered protocol documentation.
// @Response: HTML document
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("doc")
	if name == "" {
		name = "protocol.adoc"
	}
	html, err := s.docs.Render(r.Context(), name)
	if err != nil {
		log.Printf("Failed to render doc %s: %v", name, err)
		http.Error(w, "Document not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>vsb protocol</title></head><body>%s</body></html>", html)
}
