// Package dashboard serves a live view of sync activity.
//
// Connected WebSocket clients receive session results, state changes and
// local record-change notices as they happen. Plain HTTP routes expose
// health, per-kind session status and Prometheus metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/syncer"
	"github.com/tillbook/tillbook/internal/tenant"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeHello is sent once when a client connects
	MessageTypeHello MessageType = "hello"

	// MessageTypeSyncResult carries a finished session result
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeStateChange carries a session state transition
	MessageTypeStateChange MessageType = "state_change"

	// MessageTypeRecordsChanged signals a committed local mutation
	MessageTypeRecordsChanged MessageType = "records_changed"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusSource reports session state per (tenant, kind).
type StatusSource interface {
	Status(tenantID string, kind record.Kind) syncer.SessionStatus
	Kinds() []record.Kind
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	router   *mux.Router

	status   StatusSource
	tenants  tenant.Provider
	gatherer prometheus.Gatherer

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on; 0 picks a free port.
	Port int

	// Status and Tenants back the /status/{kind} route. Optional.
	Status  StatusSource
	Tenants tenant.Provider

	// Gatherer backs /metrics; defaults to the global registry.
	Gatherer prometheus.Gatherer

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: zap.NewNop(),
	}
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		status:    config.Status,
		tenants:   config.Tenants,
		gatherer:  config.Gatherer,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/status/{kind}", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

// Handler returns the HTTP routes, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a message for every connected client. It never blocks;
// messages are dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", clientCount))

	go s.readLoop(conn)
}

// readLoop detects client disconnects; client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, exists := s.clients[conn]
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", zap.Int("clients", clientCount))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) currentTenant(w http.ResponseWriter) (string, bool) {
	if s.status == nil || s.tenants == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "status not configured"})
		return "", false
	}
	tenantID, err := s.tenants.CurrentTenantID()
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return "", false
	}
	return tenantID, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.currentTenant(w)
	if !ok {
		return
	}
	kind := record.Kind(mux.Vars(r)["kind"])
	known := false
	for _, k := range s.status.Kinds() {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown kind %q", kind)})
		return
	}
	writeJSON(w, http.StatusOK, s.status.Status(tenantID, kind))
}

func (s *Server) handleStatusAll(w http.ResponseWriter, _ *http.Request) {
	tenantID, ok := s.currentTenant(w)
	if !ok {
		return
	}
	out := make(map[record.Kind]syncer.SessionStatus)
	for _, k := range s.status.Kinds() {
		out[k] = s.status.Status(tenantID, k)
	}
	writeJSON(w, http.StatusOK, out)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
