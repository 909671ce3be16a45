package realtime

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/haivu-dev/courier/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	sendBufferSize = 64
)

// ErrSocketClosed is returned by Send once the socket has shut down.
var ErrSocketClosed = errors.New("realtime: socket closed")

// ErrBackpressure is returned when the peer cannot keep up and the socket is
// dropped rather than blocking sibling deliveries.
var ErrBackpressure = errors.New("realtime: send buffer full")

type controlMessage struct {
	Action string `json:"action"`
}

// Socket wraps a websocket connection with buffered writes, ping/pong
// keepalive, and a close-once lifecycle. It satisfies registry.Conn.
type Socket struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	onClose func(*Socket)
	log     *zap.Logger
}

// NewSocket wraps an upgraded websocket connection for the given user. The
// onClose callback fires exactly once, regardless of which side closed.
func NewSocket(conn *websocket.Conn, userID string, onClose func(*Socket)) *Socket {
	return &Socket{
		id:      uuid.NewString(),
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		onClose: onClose,
		log:     logger.WithModule("realtime").With(zap.String("user_id", userID)),
	}
}

// ID returns the process-unique connection identifier.
func (s *Socket) ID() string { return s.id }

// UserID returns the authenticated identity.
func (s *Socket) UserID() string { return s.userID }

// Run starts the write pump and blocks in the read pump until the connection
// terminates.
func (s *Socket) Run() {
	go s.writeLoop()
	s.readLoop()
}

// Send enqueues a payload for delivery. A full buffer drops the connection so
// one slow client never stalls fanout to its siblings.
func (s *Socket) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		s.log.Warn("dropping backpressure client", zap.String("conn_id", s.id))
		_ = s.Close(websocket.ClosePolicyViolation, "client too slow")
		return ErrBackpressure
	}
}

// Close terminates the connection with the given close code and reason.
func (s *Socket) Close(code int, reason string) error {
	s.once.Do(func() {
		close(s.done)

		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()

		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

func (s *Socket) readLoop() {
	defer func() {
		_ = s.Close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("unexpected close", zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		var ctrl controlMessage
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			s.log.Debug("invalid control payload", zap.Error(err))
			continue
		}

		// Clients may send application-level pings; reply in kind.
		if strings.EqualFold(strings.TrimSpace(ctrl.Action), "ping") {
			_ = s.Send([]byte(`{"type":"pong"}`))
		}
	}
}

func (s *Socket) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// NewUpgrader builds the websocket upgrader used by the handshake handler.
// Same-origin requests and explicit localhost development are allowed.
func NewUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originHost := hostWithoutPort(origin)
			requestHost := hostWithoutPort(r.Host)
			return originHost == requestHost || isLoopback(originHost)
		},
	}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
