package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rsmolarz/marketctl/internal/allocator"
	"github.com/rsmolarz/marketctl/internal/config"
)

// Controller is the narrow surface the admin endpoints drive, kept as a
// local interface so this package never imports controlplane (which
// already imports scheduler, gate, and friends) and stays independently
// testable.
type Controller interface {
	StatusJSON() ([]byte, error)
	SetKilled(agentName string, killed bool)
	SetEnabled(agentName string, enabled bool)
	StartAgent(name string, force bool) error
	StopAgent(name string)
	PreviewAllocation(opts allocator.Options) allocator.Result
}

// Server is the admin HTTP + websocket surface (spec.md §6). Routing and
// CORS grounded on benedict-anokye-davies-atlas-ai's internal/api/
// server.go; auth grounded on internal/alerts/rbac.go (see auth.go).
type Server struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	router   *mux.Router
	http     *http.Server
	auth     *Auth
	cp       Controller
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
}

// NewServer builds the admin surface. cfg.CORSOrigins of length zero
// allows all origins (development default, matching the teacher).
func NewServer(cfg config.AdminConfig, cp Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	permissions := map[string][]string{
		"ops": {"*"},
	}
	auth := NewAuth(cfg.SigningKeyEnv, cfg.AuditLogPath, permissions, logger)

	s := &Server{
		logger: logger,
		router: mux.NewRouter(),
		auth:   auth,
		cp:     cp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
	s.setupRoutes()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.auth.Middleware(PermissionViewStatus, s.handleStatus)).Methods("GET")
	s.router.HandleFunc("/api/v1/ws", s.handleWebSocket)
	s.router.HandleFunc("/api/v1/agents/{name}/kill", s.auth.Middleware(PermissionKillSwitch, s.handleKill)).Methods("POST")
	s.router.HandleFunc("/api/v1/agents/{name}/enable", s.auth.Middleware(PermissionToggleAgent, s.handleEnable)).Methods("POST")
	s.router.HandleFunc("/api/v1/agents/{name}/disable", s.auth.Middleware(PermissionToggleAgent, s.handleDisable)).Methods("POST")
	s.router.HandleFunc("/api/v1/agents/{name}/run", s.auth.Middleware(PermissionToggleAgent, s.handleRunNow)).Methods("POST")
	s.router.HandleFunc("/api/v1/allocate/preview", s.auth.Middleware(PermissionAllocate, s.handleAllocatePreview)).Methods("POST")
}

// Start runs the HTTP server; blocks until it returns (mirrors the
// teacher's ListenAndServe call convention).
func (s *Server) Start() error {
	s.logger.Info("admin surface starting", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Stop closes websocket clients and gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body, err := s.cp.StatusJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// Broadcast pushes an arbitrary event to every connected websocket client;
// the control plane calls this after each regime/uncertainty snapshot
// update so dashboards stay live without polling.
func (s *Server) Broadcast(event string, payload any) {
	msg, err := json.Marshal(map[string]any{"event": event, "payload": payload, "ts": time.Now()})
	if err != nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.clients {
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.cp.SetKilled(name, true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.cp.SetEnabled(name, true)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.cp.SetEnabled(name, false)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.cp.StartAgent(name, true); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAllocatePreview(w http.ResponseWriter, r *http.Request) {
	var opts allocator.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	result := s.cp.PreviewAllocation(opts)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
