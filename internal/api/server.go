// Package api exposes the coordinator's operator surface over REST/JSON:
// fleet listings, chat broadcast, node lifecycle commands, Prometheus
// metrics, and a WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fulcrum-net/fulcrum/internal/bus"
	"github.com/fulcrum-net/fulcrum/internal/inspector"
	"github.com/fulcrum-net/fulcrum/internal/protocol"
)

// commandTimeout bounds how long a lifecycle command waits for the node ack.
const commandTimeout = 5 * time.Second

// Messenger is the slice of the bus the API needs.
type Messenger interface {
	Broadcast(msgType string, payload any) error
	Request(ctx context.Context, targetID, msgType string, payload any, timeout time.Duration) (*protocol.Envelope, error)
	Subscribe(msgType string, handler bus.Handler) (func(), error)
}

// Server is the coordinator's HTTP surface.
type Server struct {
	inspector *inspector.Inspector
	messenger Messenger
	codec     *protocol.Codec
	gatherer  prometheus.Gatherer
	stream    *Stream

	httpServer *http.Server
}

// NewServer wires the API over an inspector and the bus. Pass nil gatherer
// to serve the default Prometheus registry.
func NewServer(listen string, insp *inspector.Inspector, codec *protocol.Codec, messenger Messenger, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		inspector: insp,
		messenger: messenger,
		codec:     codec,
		gatherer:  gatherer,
		stream:    NewStream(),
	}
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/v1/servers", s.handleServers).Methods("GET")
	r.HandleFunc("/api/v1/proxies", s.handleProxies).Methods("GET")
	r.HandleFunc("/api/v1/fleet", s.handleFleet).Methods("GET")
	r.HandleFunc("/api/v1/broadcast", s.handleBroadcast).Methods("POST")
	r.HandleFunc("/api/v1/servers/{id}/shutdown", s.handleShutdown).Methods("POST")
	r.HandleFunc("/api/v1/servers/{id}/restart", s.handleRestart).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/ws", s.stream.HandleWebSocket)

	return r
}

// AttachEventStream subscribes the WebSocket stream to fleet event types so
// connected clients see them live.
func (s *Server) AttachEventStream(msgTypes ...string) error {
	return s.stream.Attach(s.messenger, msgTypes...)
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	slog.Info("[API] Listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the stream.
func (s *Server) Stop(ctx context.Context) error {
	s.stream.Close()
	return s.httpServer.Shutdown(ctx)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	views := s.inspector.ServerViews(r.Context())
	if views == nil {
		views = []inspector.ServerView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	views := s.inspector.ProxyViews(r.Context())
	if views == nil {
		views = []inspector.ProxyView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.inspector.Summary(r.Context()))
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target  string `json:"target,omitempty"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	msg := &protocol.ChatBroadcast{Target: req.Target, Message: req.Message}
	if err := s.messenger.Broadcast(protocol.TypeBroadcast, msg); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand(w, r, protocol.TypeServerShutdown)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycleCommand(w, r, protocol.TypeServerRestart)
}

// lifecycleCommand sends a shutdown or restart to a node and relays its ack.
func (s *Server) lifecycleCommand(w http.ResponseWriter, r *http.Request, msgType string) {
	target := mux.Vars(r)["id"]

	var req struct {
		DelaySeconds int    `json:"delaySeconds"`
		Reason       string `json:"reason,omitempty"`
	}
	if r.Body != nil {
		// An empty body means an immediate command.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var payload any
	switch msgType {
	case protocol.TypeServerShutdown:
		payload = &protocol.ShutdownCommand{Target: target, DelaySeconds: req.DelaySeconds, Reason: req.Reason}
	case protocol.TypeServerRestart:
		payload = &protocol.RestartCommand{Target: target, DelaySeconds: req.DelaySeconds, Reason: req.Reason}
	default:
		http.Error(w, fmt.Sprintf("unsupported command %q", msgType), http.StatusBadRequest)
		return
	}

	resp, err := s.messenger.Request(r.Context(), target, msgType, payload, commandTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("node did not acknowledge: %v", err), http.StatusGatewayTimeout)
		return
	}

	decoded, err := s.codec.DecodePayload(resp)
	if err != nil {
		http.Error(w, fmt.Sprintf("undecodable ack: %v", err), http.StatusBadGateway)
		return
	}
	if ack, ok := decoded.(*protocol.CommandAck); ok && !ack.OK {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "refused", "message": ack.Message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[API] Response encode failed", "error", err)
	}
}
