package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linluma/swapcandles/shared/models"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// ChartSource is the candle state the server reads snapshots from
type ChartSource interface {
	CurrentCandles() []models.Candle
	SessionStats() models.SessionStats
	TokenPair() models.TokenPair
	Interval() models.Interval
}

// ChartServer fans candle data out to websocket chart clients.
// It is the rendering surface: SetData replaces the series, Update upserts the last bar.
type ChartServer struct {
	source   ChartSource
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewChartServer creates a chart server listening on addr
func NewChartServer(addr string, source ChartSource, logger *zap.Logger) *ChartServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	s := &ChartServer{
		source:   source,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		mux:      mux,
		clients:  make(map[*websocket.Conn]struct{}),
		server: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/candles", s.handleCandles)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)

	return s
}

// Handler returns the HTTP handler with all routes
func (s *ChartServer) Handler() http.Handler {
	return s.mux
}

// Start begins listening for HTTP requests
func (s *ChartServer) Start() error {
	s.logger.Info("chart server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and drops every chart client
func (s *ChartServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.clients {
		c.Close()
		delete(s.clients, c)
	}
	s.mu.Unlock()

	return err
}

// ClientCount returns the number of connected chart clients
func (s *ChartServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SetData sends a full replacement series to every client
func (s *ChartServer) SetData(candles []models.Candle) {
	s.broadcast(snapshotFrame(s.source, candles))
}

// Update sends one upserted bar to every client
func (s *ChartServer) Update(update models.CandleUpdate) {
	s.broadcast(updateFrame(s.source, update))
}

func snapshotFrame(source ChartSource, candles []models.Candle) models.Frame {
	return models.Frame{
		Type:     models.FrameSnapshot,
		Pair:     source.TokenPair(),
		Interval: source.Interval(),
		Candles:  candles,
	}
}

func updateFrame(source ChartSource, update models.CandleUpdate) models.Frame {
	return models.Frame{
		Type:     models.FrameUpdate,
		Pair:     source.TokenPair(),
		Interval: source.Interval(),
		Update:   &update,
	}
}

func (s *ChartServer) broadcast(frame models.Frame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("failed to marshal chart frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if err := s.writeLocked(c, msg); err != nil {
			s.logger.Debug("dropping chart client", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
			c.Close()
			delete(s.clients, c)
		}
	}
}

func (s *ChartServer) writeLocked(c *websocket.Conn, msg []byte) error {
	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.WriteMessage(websocket.TextMessage, msg)
}

func (s *ChartServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// Snapshot and register under the lock so no broadcast falls between them
	s.mu.Lock()
	msg, err := json.Marshal(snapshotFrame(s.source, s.source.CurrentCandles()))
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to marshal snapshot", zap.Error(err))
		conn.Close()
		return
	}
	if err := s.writeLocked(conn, msg); err != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("chart client connected", zap.String("remote", conn.RemoteAddr().String()))

	// Read loop only detects the client going away
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

func (s *ChartServer) handleCandles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, snapshotFrame(s.source, s.source.CurrentCandles()))
}

func (s *ChartServer) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.source.SessionStats())
}

func (s *ChartServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{"status": "ok", "clients": s.ClientCount()})
}

func (s *ChartServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}
