// README: Websocket transport; one read loop and one write loop per connection.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"eats/internal/modules/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	handlerTimeout = 15 * time.Second
)

type Server struct {
	sessions *Sessions
	gateway  *Gateway
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewServer(sessions *Sessions, gateway *Gateway, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		gateway:  gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers are authenticated by token before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and runs the connection for an authenticated
// party until it closes. After Shutdown it answers 503 without upgrading.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, p presence.Party) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade", zap.Error(err))
		return
	}
	id := presence.SessionID(uuid.NewString())
	box, ok := s.open(id)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	if prev, superseded := s.gateway.Connect(p, id); superseded {
		s.sessions.Close(prev)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(conn, box)
	}()
	s.readLoop(conn, id)

	s.gateway.Disconnect(id)
	s.sessions.Close(id)
	<-done
}

// open registers the session unless Shutdown has started, so CloseAll
// never misses it.
func (s *Server) open(id presence.SessionID) (*Outbox, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	return s.sessions.Open(id), true
}

func (s *Server) readLoop(conn *websocket.Conn, id presence.SessionID) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read", zap.String("session_id", string(id)), zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		s.gateway.Handle(ctx, id, frame)
		cancel()
	}
}

// writeLoop drains the outbox until the session is closed, then closes the connection.
func (s *Server) writeLoop(conn *websocket.Conn, box *Outbox) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg := <-box.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug("websocket write", zap.String("session_id", string(box.ID)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-box.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Shutdown refuses new connections, closes every session and waits for
// their connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.sessions.CloseAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
