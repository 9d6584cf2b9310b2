package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"killswitch/internal/killswitch"
	"killswitch/internal/models"
	"killswitch/internal/websocket"
	"killswitch/pkg/utils"
)

// StreamConfig - параметры переподключения к /ws/stream
type StreamConfig struct {
	InitialDelay   time.Duration // первая пауза перед переподключением
	MaxDelay       time.Duration // потолок экспоненциальной паузы
	MaxRetries     int           // подряд неудачных попыток, 0 - без ограничения
	ConnectTimeout time.Duration // таймаут handshake
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
	}
}

// StreamState - состояние подписки
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamEvent - разобранное сообщение потока
// Для stateChange заполнено Event, для status - Status.
type StreamEvent struct {
	Type   websocket.MessageType
	Event  *models.KillSwitchEvent
	Status *killswitch.Status
}

// Stream - подписка на поток событий демона с переподключением
//
// Сообщения, пропущенные во время разрыва, не досылаются: после
// переподключения первым приходит следующее событие. Для полной
// истории используется журнал аудита.
type Stream struct {
	url    string
	token  string
	cfg    StreamConfig
	logger *utils.Logger

	state   int32 // atomic StreamState
	retries int32 // atomic
}

// NewStream создает подписку на baseURL/ws/stream
func NewStream(baseURL, token string, cfg StreamConfig, logger *utils.Logger) (*Stream, error) {
	wsURL, err := streamURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Stream{
		url:    wsURL,
		token:  token,
		cfg:    cfg,
		logger: logger.WithComponent("stream").With(utils.String("url", wsURL)),
	}, nil
}

// State возвращает текущее состояние
func (s *Stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

// Run читает поток до отмены ctx и вызывает handle для каждого сообщения.
// Возвращает nil при отмене ctx, ошибку - когда исчерпаны попытки.
func (s *Stream) Run(ctx context.Context, handle func(StreamEvent)) error {
	defer atomic.StoreInt32(&s.state, int32(StreamClosed))

	delay := s.cfg.InitialDelay
	for {
		atomic.StoreInt32(&s.state, int32(StreamConnecting))
		conn, err := s.dial(ctx)
		if err == nil {
			atomic.StoreInt32(&s.state, int32(StreamConnected))
			atomic.StoreInt32(&s.retries, 0)
			delay = s.cfg.InitialDelay
			s.logger.Info("stream connected")

			err = s.readLoop(ctx, conn, handle)
		}

		if ctx.Err() != nil {
			return nil
		}

		retries := atomic.AddInt32(&s.retries, 1)
		if s.cfg.MaxRetries > 0 && int(retries) > s.cfg.MaxRetries {
			atomic.StoreInt32(&s.state, int32(StreamDisconnected))
			return fmt.Errorf("stream: giving up after %d attempts: %w", s.cfg.MaxRetries, err)
		}

		atomic.StoreInt32(&s.state, int32(StreamReconnecting))
		s.logger.Warn("stream disconnected, reconnecting",
			utils.Err(err),
			utils.Int("attempt", int(retries)),
			utils.Float64("delay_sec", delay.Seconds()),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
}

func (s *Stream) dial(ctx context.Context) (*gws.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialer := gws.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := dialer.DialContext(dctx, s.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial error: %w", err)
	}
	return conn, nil
}

// readLoop читает сообщения до ошибки соединения или отмены ctx
func (s *Stream) readLoop(ctx context.Context, conn *gws.Conn, handle func(StreamEvent)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := decodeStreamMessage(raw)
		if err != nil {
			s.logger.Debug("skip stream message", utils.Err(err))
			continue
		}
		handle(ev)
	}
}

func decodeStreamMessage(raw []byte) (StreamEvent, error) {
	var base websocket.BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		return StreamEvent{}, fmt.Errorf("decode message: %w", err)
	}

	switch base.Type {
	case websocket.MessageTypeStateChange:
		var msg websocket.StateChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return StreamEvent{}, fmt.Errorf("decode %s: %w", base.Type, err)
		}
		return StreamEvent{Type: base.Type, Event: &msg.Event}, nil
	case websocket.MessageTypeStatus:
		var msg websocket.StatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return StreamEvent{}, fmt.Errorf("decode %s: %w", base.Type, err)
		}
		return StreamEvent{Type: base.Type, Status: &msg.Status}, nil
	default:
		return StreamEvent{}, fmt.Errorf("unknown message type %q", base.Type)
	}
}

// streamURL переводит http(s)://host в ws(s)://host/ws/stream
func streamURL(baseURL string) (string, error) {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws/stream", nil
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws/stream", nil
	default:
		return "", fmt.Errorf("server url must be http or https, got %q", baseURL)
	}
}
