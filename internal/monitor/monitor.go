//internal/monitor/monitor.go

// Package monitor serves health, Prometheus metrics and a live stats stream
// over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tunsocks/pkg/config"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

const writeWait = 5 * time.Second

// Status describes the engine for the health endpoint.
type Status struct {
	ID       string `json:"id"`
	Running  bool   `json:"running"`
	Sessions int    `json:"sessions"`
	Proxy    string `json:"proxy"`
}

// StatusFunc reports the current engine status.
type StatusFunc func() Status

// Snapshot is one message of the /ws stream.
type Snapshot struct {
	Time   time.Time     `json:"time"`
	Status Status        `json:"status"`
	Stats  metrics.Stats `json:"stats"`
}

type Server struct {
	cfg      config.MonitorConfig
	status   StatusFunc
	upgrader websocket.Upgrader

	httpSrv *http.Server
	ln      net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	log *plog.PrefixLogger
}

func New(cfg config.MonitorConfig, status StatusFunc) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = config.DefaultPushInterval
	}
	if status == nil {
		status = func() Status { return Status{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		status: status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		ctx:    ctx,
		cancel: cancel,
		log:    plog.NewPrefixLogger("Monitor"),
	}
}

// Handler returns the monitor routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve: %v", err)
		}
	}()
	s.log.Info("listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and every open stream.
func (s *Server) Stop() {
	s.once.Do(func() {
		s.cancel()
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				s.log.Warn("shutdown: %v", err)
			}
		}
		s.wg.Wait()
	})
}

func (s *Server) snapshot() Snapshot {
	return Snapshot{
		Time:   time.Now(),
		Status: s.status(),
		Stats:  metrics.GetStats(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	health := "healthy"
	if !snap.Status.Running {
		health = "stopped"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": health,
		"engine": snap.Status,
		"uptime": snap.Stats.Uptime.Round(time.Second).String(),
		"stats": map[string]any{
			"active_tcp_sessions": snap.Stats.ActiveTCPSessions,
			"active_udp_sessions": snap.Stats.ActiveUDPSessions,
			"bytes_up":            snap.Stats.BytesUp,
			"bytes_down":          snap.Stats.BytesDown,
		},
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.ExportPrometheus()))
}

// handleWebSocket pushes a Snapshot immediately and then every push interval
// until the client goes away or the monitor stops.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()
	s.log.Debug("stream opened by %s", r.RemoteAddr)

	// Client messages are ignored; reading surfaces the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PushInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.snapshot()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped"),
				time.Now().Add(writeWait))
			return
		}
	}
}
