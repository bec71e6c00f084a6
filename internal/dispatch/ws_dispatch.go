package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-escrow/internal/logging"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
)

var ErrNoSession = errors.New("dispatch: no ws session")

const wsWriteTimeout = 5 * time.Second

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(n)
}

// WSRegistry holds the latest session per driver.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions: make(map[string]*WSSession),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.OrDefault(logger),
	}
}

// Add replaces any earlier session for driverID.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old, had := r.sessions[driverID]
	r.sessions[driverID] = s
	r.mu.Unlock()
	if had {
		_ = old.conn.Close()
	} else {
		observability.WSSessions.Inc()
	}
	return s
}

// Remove drops driverID's session if it is still s.
func (r *WSRegistry) Remove(driverID string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
		observability.WSSessions.Dec()
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Send(ctx context.Context, d models.Driver, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[d.ID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(n); err != nil {
		r.logger.Warn("ws send failed", "driver_id", d.ID, "err", err)
		r.Remove(d.ID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Serve upgrades the request and keeps the session registered until the
// client goes away. Inbound frames are discarded.
func (r *WSRegistry) Serve(w http.ResponseWriter, req *http.Request, driverID string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("ws upgrade failed", "driver_id", driverID, "err", err)
		return
	}
	s := r.Add(driverID, conn)
	r.logger.Info("ws session opened", "driver_id", driverID)
	defer func() {
		r.Remove(driverID, s)
		_ = conn.Close()
		r.logger.Info("ws session closed", "driver_id", driverID)
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
