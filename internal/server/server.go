// Package server exposes the signaling endpoint and the operational HTTP
// routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pufferblow/realtime-core/internal/auth"
	"github.com/pufferblow/realtime-core/internal/config"
	"github.com/pufferblow/realtime-core/internal/hub"
	"github.com/pufferblow/realtime-core/internal/metrics"
	"github.com/pufferblow/realtime-core/internal/protocol"
	"github.com/pufferblow/realtime-core/internal/transport"
)

type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	guard    *auth.Guard
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *zap.Logger

	upgrader websocket.Upgrader
	peerOpts transport.Options

	ready      atomic.Bool
	totalPeers atomic.Int64

	sessionsMu sync.Mutex
	draining   bool
	sessions   sync.WaitGroup
}

func New(cfg *config.Config, h *hub.Hub, guard *auth.Guard, m *metrics.Metrics, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		hub:      h,
		guard:    guard,
		metrics:  m,
		gatherer: gatherer,
		log:      log.Named("server"),
		peerOpts: transport.Options{
			SendBuffer:   cfg.WS.SendBuffer,
			ReadLimit:    cfg.WS.ReadLimitBytes,
			WriteTimeout: cfg.WS.WriteTimeout,
			PongWait:     cfg.WS.PongWait,
			PingInterval: cfg.WS.PingInterval,
		},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.ready.Store(true)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/readyz", s.readyz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/v1/presence", s.presence)
	mux.HandleFunc(s.cfg.Server.WSPath, s.handleWS)
	return mux
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.BindAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled. It then closes every live
// connection and returns only after their disconnects have been processed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("ws_path", s.cfg.Server.WSPath),
			zap.Int("max_connections", s.cfg.Server.MaxConnections),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.sessionsMu.Lock()
	s.draining = true
	s.sessionsMu.Unlock()

	s.hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Shutdown does not track hijacked connections.
	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("waiting for connections to close: %w", shutdownCtx.Err())
	}
}

func (s *Server) beginSession() bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.draining {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.WS.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.WS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) reservePeerSlot() bool {
	limit := int64(s.cfg.Server.MaxConnections)
	if limit <= 0 {
		s.totalPeers.Add(1)
		return true
	}

	for {
		current := s.totalPeers.Load()
		if current >= limit {
			return false
		}
		if s.totalPeers.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releasePeerSlot() {
	s.totalPeers.Add(-1)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.beginSession() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server is shutting down"})
		return
	}
	defer s.sessions.Done()

	if !s.reservePeerSlot() {
		s.metrics.AdmissionsTotal.WithLabelValues("capacity").Inc()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "server is at capacity"})
		return
	}
	defer s.releasePeerSlot()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	result := s.guard.Check(r.URL.Query().Get(s.cfg.Auth.TokenParam))
	if !result.OK() {
		s.metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		s.reject(ws, result.Reason())
		return
	}

	peer := transport.NewPeer(ws, result.Identity(), s.peerOpts, s.log)
	if err := s.hub.Admit(peer); err != nil {
		s.metrics.AdmissionsTotal.WithLabelValues("closed").Inc()
		s.reject(ws, "shutting_down")
		return
	}
	s.metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()

	peer.Run(func(raw []byte) {
		s.hub.HandleFrame(peer, raw)
	})
	s.hub.Disconnect(peer)
}

func (s *Server) reject(ws *websocket.Conn, reason string) {
	frame, _ := protocol.Encode(protocol.Error{Message: reason})
	transport.Reject(ws, frame, reason, s.cfg.WS.WriteTimeout)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	st := s.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"online":       st.Online,
		"count":        len(st.Online),
		"connections":  st.Connections,
		"active_calls": st.ActiveCalls,
		"rooms":        st.Rooms,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
