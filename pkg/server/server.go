package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"hwwallet/pkg/events"
	"hwwallet/pkg/models"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Discovery is the controller the API drives.
type Discovery interface {
	Selected() (models.Device, bool)
	Processes() []models.DiscoveryProcess
	Start(ctx context.Context, dev models.Device, network string, ignoreCompleted bool) error
	Stop(dev models.Device)
}

// Store exposes the recorded accounts and pending transactions.
type Store interface {
	Accounts(deviceState, network string) []models.Account
	Pending(network string) []models.PendingTransaction
}

type Server struct {
	discovery Discovery
	store     Store
	bus       *events.Bus
	metrics   http.Handler
	networks  func() []string
	logger    *zap.Logger

	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	mux     *http.ServeMux
	ctx     context.Context
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h under /metrics.
func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithNetworks lists the configured networks in the status payload.
func WithNetworks(fn func() []string) Option { return func(s *Server) { s.networks = fn } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

func NewServer(d Discovery, store Store, bus *events.Bus, opts ...Option) *Server {
	s := &Server{
		discovery: d,
		store:     store,
		bus:       bus,
		clients:   make(map[*websocket.Conn]bool),
		mux:       http.NewServeMux(),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.L().Named("server")
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/discovery/start", s.handleStart)
	s.mux.HandleFunc("/api/discovery/stop", s.handleStop)
	s.mux.HandleFunc("/ws", s.handleWS)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves the API on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.ctx = ctx
	sub := s.bus.Subscribe()
	go s.listenToBus(sub)

	srv := &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		s.bus.Unsubscribe(sub)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("API server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve")
	}
	s.wg.Wait()
	return nil
}

func (s *Server) status() map[string]interface{} {
	data := map[string]interface{}{
		"processes": s.discovery.Processes(),
		"accounts":  s.store.Accounts("", ""),
		"pending":   s.store.Pending(""),
	}
	if dev, ok := s.discovery.Selected(); ok {
		data["device"] = dev
	}
	if s.networks != nil {
		data["networks"] = s.networks()
	}
	return data
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

type startRequest struct {
	Network         string `json:"network"`
	IgnoreCompleted bool   `json:"ignore_completed"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Network == "" {
		writeError(w, http.StatusBadRequest, "network is required")
		return
	}
	dev, ok := s.discovery.Selected()
	if !ok {
		writeError(w, http.StatusConflict, "no device selected")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.discovery.Start(s.ctx, dev, req.Network, req.IgnoreCompleted); err != nil {
			s.logger.Warn("discovery", zap.String("network", req.Network), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "network": req.Network})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dev, ok := s.discovery.Selected()
	if !ok {
		writeError(w, http.StatusConflict, "no device selected")
		return
	}
	s.discovery.Stop(dev)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Initial state goes out before the connection joins the broadcast set.
	s.mu.Lock()
	err = conn.WriteJSON(map[string]interface{}{
		"kind":    "initial",
		"payload": s.status(),
	})
	if err == nil {
		s.clients[conn] = true
	}
	s.mu.Unlock()
	if err != nil {
		return
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) listenToBus(sub events.Subscriber) {
	for ev := range sub {
		s.broadcast(ev)
	}
}

func (s *Server) broadcast(ev events.Event) {
	msg, err := events.Marshal(ev)
	if err != nil {
		s.logger.Warn("encode event", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = client.Close()
			delete(s.clients, client)
		}
	}
}
