package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// Event is pushed to a connected client as JSON.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// WSSession represents a connected user session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds one session per user. A new connection replaces the
// previous one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	prev := r.sessions[userID]
	r.sessions[userID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
}

// Remove drops the session if conn is still the registered one.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.conn == conn {
		delete(r.sessions, userID)
	}
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) Send(userID string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		r.logger.Warn("ws send error", "user_id", userID, "error", err)
		r.Remove(userID, s.conn)
		_ = s.conn.Close()
		return err
	}
	return nil
}

var ErrNoSession = errors.New("no ws session")
