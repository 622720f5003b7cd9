package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/fabricgw/internal/auth"
	"github.com/mattjoyce/fabricgw/internal/session"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wsTransport adapts a WebSocket to session.Transport. Send is only called
// from the connection's writer goroutine; ping and Close may run alongside
// it, which gorilla allows for control frames.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) Send(msg []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *wsTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Close sends a normal close frame and closes the socket. Repeated calls
// return the first result.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeTimeout))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	t := newWSTransport(conn, s.config.WriteTimeout)
	sc, err := s.sessions.Attach(t, session.ConnInfo{RemoteAddr: r.RemoteAddr, Principal: principal})
	if err != nil {
		reason := "server unavailable"
		if errors.Is(err, session.ErrShuttingDown) {
			reason = "server is shutting down"
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
			time.Now().Add(s.config.WriteTimeout))
		_ = conn.Close()
		return
	}

	go s.keepAlive(t, sc.Done())
	s.readLoop(conn, sc)
}

// readLoop feeds inbound frames to the coordinator until the socket fails or
// is closed, then detaches the connection.
func (s *Server) readLoop(conn *websocket.Conn, sc *session.Connection) {
	defer s.sessions.Detach(sc)

	conn.SetReadLimit(s.config.ReadLimit)
	extend := func() {
		if s.config.PingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.PingInterval + s.config.WriteTimeout))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("websocket read failed", "conn_id", sc.ID, "error", err)
			}
			return
		}
		extend()
		s.sessions.Deliver(sc, data)
	}
}

func (s *Server) keepAlive(t *wsTransport, done <-chan struct{}) {
	if s.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.ping(); err != nil {
				return
			}
		}
	}
}
