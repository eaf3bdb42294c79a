package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Notifier pushes dispatch events to users. Delivery is best-effort:
// the coordinator never blocks on, or trusts, delivery.
type Notifier interface {
	NotifyDriver(driverID string, event any) error
	NotifyRider(riderID string, event any) error
}

// WSSession is one connected websocket client.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(event)
}

// WSRegistry holds live driver and rider sessions keyed by user id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

func (r *WSRegistry) send(userID string, event any) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(event); err != nil {
		r.logger.Warn("ws send failed", "user", userID, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) NotifyDriver(driverID string, event any) error { return r.send(driverID, event) }
func (r *WSRegistry) NotifyRider(riderID string, event any) error   { return r.send(riderID, event) }

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
