package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"healthsense/internal/logger"
	"healthsense/internal/metrics"
)

// SessionConfig tunes websocket sessions
type SessionConfig struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	// Largest client frame accepted
	MaxMessageBytes int64
}

func (c *SessionConfig) setDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
}

var (
	connectedFrame = mustFrame(Frame{Event: "connected", Data: map[string]string{"message": "Connected to HealthSense"}})
	pongFrame      = mustFrame(Frame{Event: "pong"})
)

func mustFrame(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return b
}

// Handler upgrades dashboard connections and streams hub events to them.
func Handler(hub *Hub, cfg SessionConfig) http.HandlerFunc {
	cfg.setDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		// dashboards are served from any origin
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("websocket")

		sub, err := hub.Subscribe()
		if err != nil {
			log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejecting subscriber")
			status := http.StatusInternalServerError
			if errors.Is(err, ErrTooManySubscribers) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.Unsubscribe(sub)
			log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}

		s := &session{hub: hub, sub: sub, conn: conn, cfg: cfg}
		log.Info().Uint64("subscriber", sub.id).Str("remote_addr", r.RemoteAddr).Msg("dashboard connected")

		_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, connectedFrame); err != nil {
			s.close()
			return
		}

		go s.writePump()
		s.readPump()
	}
}

type session struct {
	hub  *Hub
	sub  *Subscriber
	conn *websocket.Conn
	cfg  SessionConfig
}

func (s *session) close() {
	s.hub.Unsubscribe(s.sub)
	_ = s.conn.Close()
}

// readPump handles client frames until the connection fails
func (s *session) readPump() {
	log := logger.WithComponent("websocket").With().Uint64("subscriber", s.sub.id).Logger()
	defer func() {
		s.close()
		log.Info().Msg("dashboard disconnected")
	}()

	s.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}

		var msg Frame
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("ignoring malformed client frame")
			continue
		}
		if msg.Event == "ping" {
			s.hub.SendTo(s.sub, pongFrame)
		}
	}
}

// writePump is the only writer on the connection after the greeting
func (s *session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.sub.Queue():
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				metrics.BroadcastDroppedTotal.WithLabelValues("write_failed").Inc()
				logger.WithComponent("websocket").Debug().
					Err(err).
					Uint64("subscriber", s.sub.id).
					Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
