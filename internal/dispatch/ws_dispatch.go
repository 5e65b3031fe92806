package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// ErrSlowConsumer is returned when a session's outbound buffer is full.
var ErrSlowConsumer = errors.New("websocket session too slow")

// WSSession represents a connected driver session. Messages are queued and
// written by the session's own goroutine, so a slow peer never blocks senders.
type WSSession struct {
	conn      *websocket.Conn
	send      chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn) *WSSession {
	return &WSSession{conn: conn, send: make(chan any, sendBuffer), closed: make(chan struct{})}
}

// Send queues v without waiting for the write.
func (s *WSSession) Send(v any) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case s.send <- v:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *WSSession) writeLoop() {
	for {
		select {
		case v := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(v); err != nil {
				// the read loop sees the closed conn and drops the session
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *WSSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// WSRegistry holds driver sessions and pushes order events to them. Polling
// stays the source of truth; pushes only hint clients to refresh sooner.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*WSSession

	// Allow decides whether a pending order may be shown to a driver.
	Allow  func(driverID int64, o models.Order) bool
	Logger *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[int64]*WSSession), Logger: logger}
}

// Add registers conn for driverID, replacing any older session, and removes
// it once the peer goes away.
func (r *WSRegistry) Add(driverID int64, conn *websocket.Conn) {
	s := newWSSession(conn)
	r.mu.Lock()
	if old, ok := r.sessions[driverID]; ok {
		old.close()
	} else {
		observability.WSSessions.Inc()
	}
	r.sessions[driverID] = s
	r.mu.Unlock()

	go s.writeLoop()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				r.remove(driverID, s)
				return
			}
		}
	}()
}

func (r *WSRegistry) remove(driverID int64, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[driverID]; ok && cur == s {
		delete(r.sessions, driverID)
		observability.WSSessions.Dec()
	}
	s.close()
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify queues ev for connected drivers. Pending orders only go to drivers
// Allow accepts; every other event goes to all sessions so stale offers drop.
// Sessions that cannot keep up are disconnected.
func (r *WSRegistry) Notify(ctx context.Context, ev models.Event) error {
	r.mu.RLock()
	targets := make(map[int64]*WSSession, len(r.sessions))
	for id, s := range r.sessions {
		targets[id] = s
	}
	r.mu.RUnlock()

	for id, s := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.ToStatus == models.OrderPending && r.Allow != nil && !r.Allow(id, ev.Order) {
			continue
		}
		if err := s.Send(ev); err != nil {
			r.Logger.Debug("ws send failed", "driver_id", id, "error", err)
			r.remove(id, s)
		}
	}
	return nil
}
