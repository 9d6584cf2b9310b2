package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"killswitch/pkg/utils"
)

const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second
	pingInterval = idleTimeout * 9 / 10

	// поток только на чтение, от оператора приходят лишь control frames
	readLimit = 4096

	subscriberQueue = 64
)

// originPolicy решает, пускать ли браузер с данным Origin
type originPolicy func(origin string) bool

// allowOrigins: пустой список или "*" пускает всех.
// Запросы без Origin (CLI, curl) пропускаются всегда.
func allowOrigins(origins []string) originPolicy {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(string) bool { return true }
		}
		if o != "" {
			allowed[o] = true
		}
	}
	if len(allowed) == 0 {
		return func(string) bool { return true }
	}
	return func(origin string) bool {
		return origin == "" || allowed[origin]
	}
}

// subscriber - одно подключение к /ws/stream
type subscriber struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// drain читает входящие фреймы до разрыва. Сами сообщения не нужны,
// чтение держит pong handler и замечает закрытие со стороны клиента.
func (s *subscriber) drain() {
	defer func() {
		s.hub.leave(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(readLimit)
	extend := func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
	extend("")
	s.conn.SetPongHandler(extend)

	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("stream subscriber gone", utils.Err(err))
			}
			return
		}
	}
}

// pump пишет очередь подписчика в соединение и держит keepalive.
// Закрытый hub'ом канал означает отключение.
func (s *subscriber) pump() {
	keepalive := time.NewTicker(pingInterval)
	defer keepalive.Stop()
	defer s.conn.Close()

	write := func(kind int, payload []byte) error {
		s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return s.conn.WriteMessage(kind, payload)
	}

	for {
		var err error
		select {
		case msg, open := <-s.send:
			if !open {
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			err = write(websocket.TextMessage, msg)
		case <-keepalive.C:
			err = write(websocket.PingMessage, nil)
		}
		if err != nil {
			return
		}
	}
}

// ServeHTTP - GET /ws/stream
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			return h.originAllowed(r.Header.Get("Origin"))
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade rejected", utils.Err(err), utils.String("remote_addr", r.RemoteAddr))
		return
	}

	s := &subscriber{conn: conn, hub: h, send: make(chan []byte, subscriberQueue)}
	if !h.join(s) {
		conn.Close()
		return
	}

	go s.pump()
	go s.drain()
}
